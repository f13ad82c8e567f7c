package mailer

import (
	"context"
	"sync"

	"github.com/gridstone/docnotify/internal/pkg/logger"
)

// DevNullTransport logs envelopes and drops them. Default transport for
// local development.
type DevNullTransport struct {
	mu   sync.Mutex
	sent []*Envelope
}

// Send records the envelope without delivering anything.
func (t *DevNullTransport) Send(_ context.Context, env *Envelope) error {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	logger.Info("mail discarded (devnull transport)",
		"to", env.To, "subject", env.Subject)
	return nil
}

// Sent returns a snapshot of everything discarded so far.
func (t *DevNullTransport) Sent() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}
