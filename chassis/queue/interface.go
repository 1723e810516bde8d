package queue

import "context"

// Config - unified configuration for queue service
type Config struct {
	Name string
	URL  string

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// Client publishes pipeline events.
type Client interface {
	SendMessage(ctx context.Context, message string) error
}

// Nop discards every message. Used when no queue is configured.
type Nop struct{}

// SendMessage ...
func (Nop) SendMessage(context.Context, string) error { return nil }
