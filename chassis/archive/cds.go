package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/freundallein/stacdc/chassis/logging"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"golang.org/x/time/rate"
)

const (
	statusAccepted   = "accepted"
	statusRunning    = "running"
	statusSuccessful = "successful"

	retryDelay    = time.Second
	retryMaxDelay = 30 * time.Second
)

// CDSConfig ...
type CDSConfig struct {
	URL               string
	Key               string
	PollInterval      time.Duration
	MaxWait           time.Duration
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// CDSClient talks to the Copernicus Climate Data Store retrieve API.
type CDSClient struct {
	url          string
	key          string
	pollInterval time.Duration
	maxWait      time.Duration
	maxRetries   int
	http         *http.Client
	limiter      *rate.Limiter
}

// NewCDSClient ...
func NewCDSClient(cfg CDSConfig) (*CDSClient, error) {
	if cfg.Key == "" {
		return nil, ErrKeyMissing
	}
	c := &CDSClient{
		url:          strings.TrimRight(cfg.URL, "/"),
		key:          cfg.Key,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		maxRetries:   cfg.MaxRetries,
		http:         cfg.HTTPClient,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 30 * time.Second
	}
	if c.maxWait <= 0 {
		c.maxWait = 12 * time.Hour
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	return c, nil
}

type jobStatus struct {
	JobID  string `json:"jobID"`
	Status string `json:"status"`
}

type jobResults struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Size int64  `json:"file:size"`
		} `json:"value"`
	} `json:"asset"`
}

type errorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (c *CDSClient) jobURL(jobID string) string {
	return c.url + "/retrieve/v1/jobs/" + url.PathEscape(jobID)
}

// Fetch submits a job, waits for it and downloads the result.
func (c *CDSClient) Fetch(ctx context.Context, req Request) (string, error) {
	job, err := c.submit(ctx, req)
	if err != nil {
		return "", err
	}
	fields := log.Fields{
		"dataset": req.Dataset,
		"jobId":   job.JobID,
	}
	log.WithFields(fields).WithField("event", "cds_job_submitted").Debug("job submitted")

	started := clock.Now(ctx)
	for job.Status != statusSuccessful {
		switch job.Status {
		case statusAccepted, statusRunning:
		default:
			return "", c.failedJob(ctx, job)
		}
		if clock.Now(ctx).Sub(started) > c.maxWait {
			return "", &TimeoutError{Attempts: 0, Err: fmt.Errorf("job %s still %s after %s", job.JobID, job.Status, c.maxWait)}
		}
		if tr := clock.Sleep(ctx, c.pollInterval); tr.Incomplete() {
			return "", tr.Err
		}
		if err := c.getJSON(ctx, c.jobURL(job.JobID), &job); err != nil {
			return "", err
		}
	}

	var results jobResults
	if err := c.getJSON(ctx, c.jobURL(job.JobID)+"/results", &results); err != nil {
		return "", err
	}
	href := results.Asset.Value.Href
	if href == "" {
		return "", &StatusError{StatusCode: http.StatusOK, Body: "job results carry no asset href"}
	}
	path, size, err := c.download(ctx, href, req.Format)
	if err != nil {
		return "", err
	}
	fields["event"] = "cds_job_downloaded"
	fields["size"] = size
	log.WithFields(fields).Info("downloaded ", href)
	return path, nil
}

// failedJob reads the results of a job that did not succeed. The archive
// reports missing data there as a 400, which is not a permanent failure.
func (c *CDSClient) failedJob(ctx context.Context, job jobStatus) error {
	var results jobResults
	err := c.getJSON(ctx, c.jobURL(job.JobID)+"/results", &results)
	if IsNotYetAvailable(err) {
		return err
	}
	log.WithFields(log.Fields{
		"event":  "cds_job_failed",
		"jobId":  job.JobID,
		"status": job.Status,
	}).Warn(err)
	return &JobFailedError{JobID: job.JobID, Status: job.Status}
}

// statusError turns a non-success answer into an error. A 400 whose detail
// says the data is not available yet becomes ErrNotYetAvailable.
func statusError(code int, body []byte) error {
	if code == http.StatusBadRequest {
		var e errorBody
		if json.Unmarshal(body, &e) == nil && strings.Contains(e.Detail, NotYetAvailableDetail) {
			return ErrNotYetAvailable
		}
	}
	return &StatusError{StatusCode: code, Body: string(body)}
}

func (c *CDSClient) submit(ctx context.Context, req Request) (jobStatus, error) {
	payload, err := json.Marshal(map[string]interface{}{"inputs": req.Inputs})
	if err != nil {
		return jobStatus{}, fmt.Errorf("encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/retrieve/v1/processes/%s/execution", c.url, url.PathEscape(req.Dataset))
	resp, err := c.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return jobStatus{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobStatus{}, fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return jobStatus{}, statusError(resp.StatusCode, body)
	}
	var job jobStatus
	if err := json.Unmarshal(body, &job); err != nil {
		return jobStatus{}, fmt.Errorf("decode submit response: %w", err)
	}
	if job.JobID == "" {
		return jobStatus{}, &StatusError{StatusCode: resp.StatusCode, Body: "submit response carries no jobID"}
	}
	return job, nil
}

func (c *CDSClient) getJSON(ctx context.Context, endpoint string, v interface{}) error {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *CDSClient) download(ctx context.Context, href, format string) (string, int64, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	})
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	pattern := "cds-*"
	if format != "" {
		pattern += "." + format
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return f.Name(), size, nil
}

// ownsURL reports whether target is served by the retrieve API itself.
// Result downloads usually live on another host and never get the api key.
func (c *CDSClient) ownsURL(target *url.URL) bool {
	u := target.String()
	return u == c.url || strings.HasPrefix(u, c.url+"/")
}

// do paces every request through the limiter and retries transport failures
// and 5xx answers with capped exponential backoff.
func (c *CDSClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	var lastErr error
	attempt := 0
	policy := transient.Only(func() retry.Iterator {
		return &retry.ExponentialBackoff{
			Limited: retry.Limited{
				Delay:   retryDelay,
				Retries: c.maxRetries - 1,
			},
			MaxDelay:   retryMaxDelay,
			Multiplier: 2,
		}
	})
	err := retry.Retry(ctx, policy, func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if c.ownsURL(req.URL) {
			req.Header.Set("PRIVATE-TOKEN", c.key)
		}
		r, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transient.Tag.Apply(err)
		}
		if r.StatusCode >= 500 {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			lastErr = &StatusError{StatusCode: r.StatusCode, Body: string(body)}
			return transient.Tag.Apply(lastErr)
		}
		resp = r
		return nil
	}, func(err error, d time.Duration) {
		log.WithFields(log.Fields{
			"event":   "cds_request_failed",
			"attempt": attempt,
			"retryIn": d.String(),
		}).Warn(err)
	})
	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case transient.Tag.In(err):
		log.WithFields(log.Fields{
			"event":    "cds_request_exhausted",
			"attempts": attempt,
		}).Warn(lastErr)
		return nil, &TimeoutError{Attempts: attempt, Err: lastErr}
	default:
		return nil, err
	}
}
