// Package mailer renders drained notification batches into emails and
// hands them to a transport. The transport is a single-operation
// capability; SES, SendGrid and devnull implementations are selected at
// startup by configuration.
package mailer

import (
	"context"
	"fmt"

	"github.com/gridstone/docnotify/internal/config"
)

// Envelope is one outgoing email.
type Envelope struct {
	FromName string
	From     string
	ReplyTo  string
	To       []string
	Subject  string
	Text     string
	HTML     string
	Headers  map[string]string
}

// Transport delivers envelopes. Implementations must be safe for
// concurrent use; a returned error fails the batch job and the engine
// retries it.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
}

// NewTransport builds the configured transport.
func NewTransport(cfg config.MailerConfig) (Transport, error) {
	switch cfg.Transport {
	case "ses":
		return NewSESTransport(cfg.SES)
	case "sendgrid":
		return NewSendGridTransport(cfg.SendGrid), nil
	case "devnull":
		return &DevNullTransport{}, nil
	}
	return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
}
