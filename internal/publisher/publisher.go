// Package publisher sends stage notifications to a message topic.
package publisher

import "context"

// Publisher delivers one payload to topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads carry message attributes alongside their JSON body.
type Attributed interface {
	Attributes() map[string]string
}

// Noop drops every message.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
