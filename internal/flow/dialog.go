package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
)

// Extractor pulls slot candidates out of a conversation's opening utterance.
type Extractor interface {
	Extract(ctx context.Context, utterance string, slotNames []string) (map[string]any, error)
}

// Prompter delivers a reply to the conversation partner.
type Prompter interface {
	Send(ctx context.Context, conversationID, text string) error
}

// Actuator carries out a resolved session and returns a user-facing reference
// for commits.
type Actuator interface {
	Execute(ctx context.Context, conversationID string, outcome slot.Outcome) (string, error)
}

// TurnResult describes what a single inbound message did to a conversation.
type TurnResult struct {
	ConversationID string            `json:"conversation_id"`
	Replies        []string          `json:"replies"`
	Status         slot.Status       `json:"status"`
	PendingSlot    string            `json:"pending_slot,omitempty"`
	Values         map[string]string `json:"values,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	Restarted      bool              `json:"restarted,omitempty"`
}

// SessionInfo is a read-only view of an in-flight session.
type SessionInfo struct {
	ConversationID string                 `json:"conversation_id"`
	Status         slot.Status            `json:"status"`
	Values         map[string]string      `json:"values"`
	Sources        map[string]slot.Source `json:"sources"`
	PendingSlot    string                 `json:"pending_slot,omitempty"`
	Missing        []string               `json:"missing,omitempty"`
}

// Dialog runs the transfer conversation one turn at a time. Turns for the same
// conversation are serialized; different conversations proceed in parallel.
type Dialog struct {
	flow      *slot.Flow
	sessions  SessionStore
	extractor Extractor
	prompter  Prompter
	actuator  Actuator
	locks     keyedMutex
}

// DialogOption configures a Dialog.
type DialogOption func(*Dialog)

// WithExtractor sets the opening-utterance extractor.
func WithExtractor(e Extractor) DialogOption {
	return func(d *Dialog) { d.extractor = e }
}

// WithPrompter sets where replies are delivered. Without one, replies are only
// returned in the TurnResult.
func WithPrompter(p Prompter) DialogOption {
	return func(d *Dialog) { d.prompter = p }
}

// WithActuator sets the component that executes confirmed sessions.
func WithActuator(a Actuator) DialogOption {
	return func(d *Dialog) { d.actuator = a }
}

// NewDialog creates a Dialog for flow persisting sessions in sessions.
func NewDialog(flow *slot.Flow, sessions SessionStore, opts ...DialogOption) *Dialog {
	d := &Dialog{flow: flow, sessions: sessions}
	for _, opt := range opts {
		opt(d)
	}
	slog.Debug("Dialog created", "flow", flow.Name(), "extractor", d.extractor != nil, "prompter", d.prompter != nil, "actuator", d.actuator != nil)
	return d
}

// Flow returns the dialog's flow definition.
func (d *Dialog) Flow() *slot.Flow { return d.flow }

// HandleTurn applies one inbound message to the conversation and returns the replies sent.
func (d *Dialog) HandleTurn(ctx context.Context, conversationID, text string) (TurnResult, error) {
	if conversationID == "" {
		return TurnResult{}, models.ErrEmptyConversationID
	}
	unlock := d.locks.Lock(conversationID)
	defer unlock()

	t := &turn{conversationID: conversationID, result: TurnResult{ConversationID: conversationID}}

	rec, err := d.sessions.Load(ctx, conversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load session: %w", err)
	}
	if rec != nil && rec.Session.IsTerminal() {
		slog.Warn("Dialog found terminal session, starting fresh", "conversationID", conversationID, "status", rec.Session.Status())
		rec = nil
	}

	switch {
	case IsRestart(text):
		slog.Info("Dialog restart requested", "conversationID", conversationID)
		if rec == nil {
			rec = &SessionRecord{Session: slot.NewSession(d.flow)}
		}
		rec.Session.Reset()
		rec.PendingSlot = ""
		t.result.Restarted = true
		t.reply(MsgRestarted)

	case rec == nil:
		rec = &SessionRecord{Session: slot.NewSession(d.flow)}
		candidates := d.extract(ctx, conversationID, text)
		if err := rec.Session.Seed(candidates); err != nil {
			return TurnResult{}, fmt.Errorf("seed session: %w", err)
		}
		slog.Info("Dialog session started", "conversationID", conversationID, "session", rec.Session)

	case rec.Session.Status() == slot.StatusConfirming:
		return d.confirm(ctx, t, rec, text)

	default:
		pending := rec.PendingSlot
		if pending == "" {
			next, ok := rec.Session.NextRequiredSlot()
			if !ok {
				break
			}
			pending = next.Name
		}
		if err := rec.Session.RecordAnswer(pending, text); err != nil {
			var ve *slot.ValidationError
			if !errors.As(err, &ve) {
				return TurnResult{}, fmt.Errorf("record answer: %w", err)
			}
			slog.Debug("Dialog answer rejected", "conversationID", conversationID, "slot", pending, "error", ve.Err)
			rec.PendingSlot = pending
			t.reply(ve.RetryMessage)
			return d.persist(ctx, t, rec)
		}
		slog.Debug("Dialog answer recorded", "conversationID", conversationID, "slot", pending)
	}

	if err := d.advance(t, rec); err != nil {
		return TurnResult{}, err
	}
	return d.persist(ctx, t, rec)
}

// advance asks for the next missing slot or starts confirmation.
func (d *Dialog) advance(t *turn, rec *SessionRecord) error {
	if next, ok := rec.Session.NextRequiredSlot(); ok {
		rec.PendingSlot = next.Name
		t.reply(next.Prompt)
		return nil
	}
	summary, err := rec.Session.BeginConfirmation()
	if err != nil {
		return fmt.Errorf("begin confirmation: %w", err)
	}
	rec.PendingSlot = ""
	t.reply(summary)
	return nil
}

func (d *Dialog) confirm(ctx context.Context, t *turn, rec *SessionRecord, text string) (TurnResult, error) {
	confirmed, err := ParseConfirmation(text)
	if err != nil {
		var ve *slot.ValidationError
		if errors.As(err, &ve) {
			t.reply(ve.RetryMessage)
			return d.persist(ctx, t, rec)
		}
		return TurnResult{}, err
	}

	outcome, err := rec.Session.ResolveConfirmation(confirmed)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolve confirmation: %w", err)
	}
	slog.Info("Dialog session resolved", "conversationID", t.conversationID, "outcome", outcome.Kind)

	switch outcome.Kind {
	case slot.OutcomeCommit:
		ref, err := d.execute(ctx, t.conversationID, outcome)
		if err != nil {
			slog.Error("Dialog actuator failed", "conversationID", t.conversationID, "error", err)
			t.reply(MsgActuatorFailed)
		} else {
			t.result.Reference = ref
			t.reply(fmt.Sprintf(MsgScheduledFormat, ref))
		}
	case slot.OutcomeCancel:
		if _, err := d.execute(ctx, t.conversationID, outcome); err != nil {
			slog.Warn("Dialog actuator failed to record cancellation", "conversationID", t.conversationID, "error", err)
		}
		t.reply(MsgCancelled)
	}

	if err := d.sessions.Delete(ctx, t.conversationID); err != nil {
		return TurnResult{}, fmt.Errorf("delete session: %w", err)
	}
	t.result.Status = rec.Session.Status()
	t.result.Values = outcome.Values
	d.deliver(ctx, t)
	return t.result, nil
}

func (d *Dialog) execute(ctx context.Context, conversationID string, outcome slot.Outcome) (string, error) {
	if d.actuator == nil {
		return "", fmt.Errorf("no actuator configured")
	}
	return d.actuator.Execute(ctx, conversationID, outcome)
}

// extract runs the extractor; failures count as no candidates.
func (d *Dialog) extract(ctx context.Context, conversationID, text string) map[string]any {
	if d.extractor == nil {
		return nil
	}
	candidates, err := d.extractor.Extract(ctx, text, d.flow.SlotNames())
	if err != nil {
		slog.Warn("Dialog extraction failed, continuing without candidates", "conversationID", conversationID, "error", err)
		return nil
	}
	slog.Debug("Dialog extraction succeeded", "conversationID", conversationID, "candidates", len(candidates))
	return candidates
}

func (d *Dialog) persist(ctx context.Context, t *turn, rec *SessionRecord) (TurnResult, error) {
	if err := d.sessions.Save(ctx, t.conversationID, *rec); err != nil {
		return TurnResult{}, fmt.Errorf("save session: %w", err)
	}
	t.result.Status = rec.Session.Status()
	t.result.PendingSlot = rec.PendingSlot
	t.result.Values = rec.Session.Values()
	d.deliver(ctx, t)
	return t.result, nil
}

// deliver sends the turn's replies through the prompter. Delivery failures are
// logged; the replies remain in the TurnResult.
func (d *Dialog) deliver(ctx context.Context, t *turn) {
	if d.prompter == nil {
		return
	}
	for _, text := range t.result.Replies {
		if err := d.prompter.Send(ctx, t.conversationID, text); err != nil {
			slog.Error("Dialog reply delivery failed", "conversationID", t.conversationID, "error", err)
		}
	}
}

// Reset discards the conversation's session.
func (d *Dialog) Reset(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return models.ErrEmptyConversationID
	}
	unlock := d.locks.Lock(conversationID)
	defer unlock()
	slog.Info("Dialog reset", "conversationID", conversationID)
	return d.sessions.Delete(ctx, conversationID)
}

// Session returns a view of the conversation's session, or nil when there is none.
func (d *Dialog) Session(ctx context.Context, conversationID string) (*SessionInfo, error) {
	if conversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	unlock := d.locks.Lock(conversationID)
	defer unlock()

	rec, err := d.sessions.Load(ctx, conversationID)
	if err != nil || rec == nil {
		return nil, err
	}
	snap := rec.Session.Snapshot()
	return &SessionInfo{
		ConversationID: conversationID,
		Status:         snap.Status,
		Values:         snap.Values,
		Sources:        snap.Sources,
		PendingSlot:    rec.PendingSlot,
		Missing:        rec.Session.Pending(),
	}, nil
}

type turn struct {
	conversationID string
	result         TurnResult
}

func (t *turn) reply(text string) {
	t.result.Replies = append(t.result.Replies, text)
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
