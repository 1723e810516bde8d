// Package archive fetches products from upstream data archives.
package archive

import (
	"context"
	"errors"
	"fmt"
)

// NotYetAvailableDetail is the message the CDS attaches to requests for days it has not published.
const NotYetAvailableDetail = "None of the data you have requested is available yet"

// Errors.
var (
	ErrNotYetAvailable = errors.New("archive: requested data is not available yet")
	ErrKeyMissing      = errors.New("archive: api key not specified")
)

// StatusError ...
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("archive: unexpected status %d: %s", e.StatusCode, e.Body)
}

// TimeoutError is returned once the retry budget of a call is spent.
type TimeoutError struct {
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("archive: request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// JobFailedError ...
type JobFailedError struct {
	JobID  string
	Status string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("archive: job %s finished with status %s", e.JobID, e.Status)
}

// Request describes one product for one day.
type Request struct {
	Dataset string
	// Format is used as the suffix of the downloaded file.
	Format string
	Inputs map[string]interface{}
}

// Client ...
type Client interface {
	// Fetch downloads the product into a temporary file and returns its path.
	// The caller removes the file.
	Fetch(ctx context.Context, req Request) (string, error)
}

// IsNotYetAvailable ...
func IsNotYetAvailable(err error) bool {
	return errors.Is(err, ErrNotYetAvailable)
}
