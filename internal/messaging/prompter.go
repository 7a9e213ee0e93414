package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SlotPipe/internal/flow"
)

// Prompter delivers dialog replies through a Service.
type Prompter struct {
	svc Service
}

var _ flow.Prompter = (*Prompter)(nil)

// NewPrompter returns a flow.Prompter backed by svc.
func NewPrompter(svc Service) *Prompter {
	return &Prompter{svc: svc}
}

// Send delivers text to the conversation. Conversations whose id is not a valid
// recipient for the service (for example ones started over HTTP) are skipped.
func (p *Prompter) Send(ctx context.Context, conversationID, text string) error {
	to, err := p.svc.ValidateAndCanonicalizeRecipient(conversationID)
	if err != nil {
		slog.Debug("Prompter skipping non-messaging conversation", "conversationID", conversationID, "error", err)
		return nil
	}
	return p.svc.SendMessage(ctx, to, text)
}

// SendTyping forwards to the service when it supports typing indicators.
func (p *Prompter) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	ti, ok := p.svc.(TypingIndicator)
	if !ok {
		return nil
	}
	to, err := p.svc.ValidateAndCanonicalizeRecipient(conversationID)
	if err != nil {
		return nil
	}
	return ti.SendTyping(ctx, to, typing)
}
