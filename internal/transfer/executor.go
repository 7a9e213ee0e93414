// Package transfer executes confirmed transfer sessions and archives every
// resolved session as a models.Transfer record.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SlotPipe/internal/flow"
	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
	"github.com/BTreeMap/SlotPipe/internal/util"
)

// DefaultProcessingDelay is how long a commit pauses to mimic the banking back end.
const DefaultProcessingDelay = 2 * time.Second

// maxReferenceAttempts bounds retries when a generated reference already exists.
const maxReferenceAttempts = 5

// TypingIndicator shows the conversation partner that work is in progress.
type TypingIndicator interface {
	SendTyping(ctx context.Context, conversationID string, typing bool) error
}

// Opts holds configuration options for the Executor.
type Opts struct {
	ProcessingDelay time.Duration
	Typing          TypingIndicator
	Now             func() time.Time
	NewReference    func() string
}

// Option defines a function that modifies Executor options.
type Option func(*Opts)

// WithProcessingDelay sets the pause before a transfer is scheduled.
func WithProcessingDelay(d time.Duration) Option {
	return func(o *Opts) { o.ProcessingDelay = d }
}

// WithTypingIndicator shows typing while a commit is processed.
func WithTypingIndicator(t TypingIndicator) Option {
	return func(o *Opts) { o.Typing = t }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithReferenceGenerator overrides util.GenerateReference.
func WithReferenceGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewReference = fn }
}

// Executor implements flow.Actuator.
type Executor struct {
	store store.Store
	opts  Opts
}

var _ flow.Actuator = (*Executor)(nil)

// NewExecutor creates an Executor that archives transfers in st.
func NewExecutor(st store.Store, opts ...Option) *Executor {
	cfg := Opts{
		ProcessingDelay: DefaultProcessingDelay,
		Now:             time.Now,
		NewReference:    util.GenerateReference,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Transfer executor created", "processingDelay", cfg.ProcessingDelay, "typing", cfg.Typing != nil)
	return &Executor{store: st, opts: cfg}
}

// Execute schedules a committed transfer and returns its reference. Cancelled
// sessions are archived with no reference.
func (e *Executor) Execute(ctx context.Context, conversationID string, outcome slot.Outcome) (string, error) {
	if outcome.Flow != string(models.FlowTypeTransfer) {
		return "", fmt.Errorf("transfer executor cannot handle flow %q", outcome.Flow)
	}

	rec := models.Transfer{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AccountLabel:   outcome.Values[flow.SlotAccountLabel],
		Amount:         outcome.Values[flow.SlotAmount],
		Payee:          outcome.Values[flow.SlotPayee],
	}

	switch outcome.Kind {
	case slot.OutcomeCancel:
		rec.Status = models.TransferStatusCancelled
		rec.CreatedAt = e.opts.Now()
		if err := e.store.SaveTransfer(rec); err != nil {
			slog.Error("Transfer Execute failed to archive cancellation", "conversationID", conversationID, "error", err)
			return "", err
		}
		slog.Info("Transfer cancelled", "conversationID", conversationID, "id", rec.ID)
		return "", nil

	case slot.OutcomeCommit:
		for _, name := range []string{flow.SlotAccountLabel, flow.SlotAmount, flow.SlotPayee} {
			if outcome.Values[name] == "" {
				return "", fmt.Errorf("committed transfer is missing %s", name)
			}
		}

	default:
		return "", fmt.Errorf("unknown outcome %q", outcome.Kind)
	}

	if err := e.process(ctx, conversationID); err != nil {
		return "", err
	}

	rec.Status = models.TransferStatusScheduled
	var lastErr error
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		rec.Reference = e.opts.NewReference()
		rec.CreatedAt = e.opts.Now()
		if lastErr = e.store.SaveTransfer(rec); lastErr == nil {
			slog.Info("Transfer scheduled", "conversationID", conversationID, "id", rec.ID, "reference", rec.Reference, "amount", rec.Amount)
			return rec.Reference, nil
		}
		slog.Warn("Transfer Execute save failed, retrying with new reference", "conversationID", conversationID, "attempt", attempt+1, "error", lastErr)
	}
	slog.Error("Transfer Execute failed", "conversationID", conversationID, "error", lastErr)
	return "", fmt.Errorf("save transfer: %w", lastErr)
}

// process shows typing and waits the processing delay, returning early on cancellation.
func (e *Executor) process(ctx context.Context, conversationID string) error {
	if e.opts.Typing != nil {
		if err := e.opts.Typing.SendTyping(ctx, conversationID, true); err != nil {
			slog.Warn("Transfer typing indicator failed", "conversationID", conversationID, "error", err)
		} else {
			defer func() {
				if err := e.opts.Typing.SendTyping(context.WithoutCancel(ctx), conversationID, false); err != nil {
					slog.Debug("Transfer typing indicator stop failed", "conversationID", conversationID, "error", err)
				}
			}()
		}
	}

	if e.opts.ProcessingDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.opts.ProcessingDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
