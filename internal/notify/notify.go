// Package notify publishes run reports to downstream consumers.
package notify

import "context"

// Publisher delivers one JSON-serializable payload with string attributes
// and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// Nop discards everything.
type Nop struct{}

// Publish returns an empty id.
func (Nop) Publish(context.Context, any, map[string]string) (string, error) {
	return "", nil
}
