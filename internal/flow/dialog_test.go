package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

type recordingPrompter struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (p *recordingPrompter) Send(ctx context.Context, conversationID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, conversationID+": "+text)
	return p.err
}

type stubActuator struct {
	mu       sync.Mutex
	ref      string
	err      error
	outcomes []slot.Outcome
}

func (a *stubActuator) Execute(ctx context.Context, conversationID string, outcome slot.Outcome) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, outcome)
	if a.err != nil {
		return "", a.err
	}
	if outcome.Kind == slot.OutcomeCancel {
		return "", nil
	}
	return a.ref, nil
}

type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, utterance string, slotNames []string) (map[string]any, error) {
	return nil, errors.New("model unavailable")
}

func newTestDialog(t *testing.T, opts ...DialogOption) (*Dialog, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	flow := TransferFlow()
	return NewDialog(flow, NewStoreSessionStore(st, flow), opts...), st
}

func mustTurn(t *testing.T, d *Dialog, conversationID, text string) TurnResult {
	t.Helper()
	res, err := d.HandleTurn(context.Background(), conversationID, text)
	if err != nil {
		t.Fatalf("HandleTurn(%q) failed: %v", text, err)
	}
	return res
}

func lastReply(res TurnResult) string {
	if len(res.Replies) == 0 {
		return ""
	}
	return res.Replies[len(res.Replies)-1]
}

func TestDialog_FullConversationWithoutExtraction(t *testing.T) {
	act := &stubActuator{ref: "K89HG38SZ"}
	d, _ := newTestDialog(t, WithActuator(act))
	ctx := context.Background()

	res := mustTurn(t, d, "c1", "hi")
	if lastReply(res) != MsgAccountPrompt || res.PendingSlot != SlotAccountLabel {
		t.Fatalf("expected account prompt, got %+v", res)
	}
	res = mustTurn(t, d, "c1", "joint")
	if lastReply(res) != MsgAmountPrompt {
		t.Fatalf("expected amount prompt, got %+v", res)
	}
	res = mustTurn(t, d, "c1", "£50")
	if lastReply(res) != MsgPayeePrompt {
		t.Fatalf("expected payee prompt, got %+v", res)
	}
	res = mustTurn(t, d, "c1", "Alice")
	wantSummary := "Ok. I'll make this transfer, is this correct? £50.00 from Joint to Alice"
	if lastReply(res) != wantSummary || res.Status != slot.StatusConfirming {
		t.Fatalf("expected confirmation summary, got %+v", res)
	}

	res = mustTurn(t, d, "c1", "yes")
	if lastReply(res) != "Your transfer is scheduled. Reference number: #K89HG38SZ" {
		t.Fatalf("unexpected commit reply %+v", res)
	}
	if res.Status != slot.StatusCommitted || res.Reference != "K89HG38SZ" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(act.outcomes) != 1 || act.outcomes[0].Kind != slot.OutcomeCommit || act.outcomes[0].Values[SlotPayee] != "Alice" {
		t.Errorf("unexpected actuator calls %+v", act.outcomes)
	}

	info, err := d.Session(ctx, "c1")
	if err != nil || info != nil {
		t.Errorf("expected session to be removed, got %+v, %v", info, err)
	}
}

func TestDialog_ExtractionSkipsToConfirmation(t *testing.T) {
	d, _ := newTestDialog(t, WithExtractor(KeywordExtractor{}), WithActuator(&stubActuator{ref: "R"}))

	res := mustTurn(t, d, "c1", "Please transfer £50 from joint to Alice")
	if res.Status != slot.StatusConfirming || len(res.Replies) != 1 {
		t.Fatalf("expected immediate confirmation, got %+v", res)
	}
	if res.Values[SlotAmount] != "£50.00" || res.Values[SlotAccountLabel] != "Joint" {
		t.Errorf("unexpected seeded values %v", res.Values)
	}

	info, err := d.Session(context.Background(), "c1")
	if err != nil || info == nil {
		t.Fatalf("expected session, got %v", err)
	}
	if info.Sources[SlotPayee] != slot.SourceSeeded {
		t.Errorf("expected payee to be seeded, got %v", info.Sources)
	}
}

func TestDialog_PartialExtractionAsksOnlyMissing(t *testing.T) {
	d, _ := newTestDialog(t, WithExtractor(KeywordExtractor{}))

	res := mustTurn(t, d, "c1", "send £20 to Bob")
	if lastReply(res) != MsgAccountPrompt {
		t.Fatalf("expected account prompt, got %+v", res)
	}
	res = mustTurn(t, d, "c1", "savings")
	if res.Status != slot.StatusConfirming {
		t.Fatalf("expected confirmation after last slot, got %+v", res)
	}
}

func TestDialog_InvalidAnswerReprompts(t *testing.T) {
	d, _ := newTestDialog(t)
	mustTurn(t, d, "c1", "hi")
	mustTurn(t, d, "c1", "current")

	res := mustTurn(t, d, "c1", "a lot")
	if lastReply(res) != MsgAmountRetry || res.PendingSlot != SlotAmount {
		t.Fatalf("expected amount retry, got %+v", res)
	}
	res = mustTurn(t, d, "c1", "30")
	if lastReply(res) != MsgPayeePrompt {
		t.Fatalf("expected payee prompt after retry, got %+v", res)
	}
}

func TestDialog_ConfirmationRetryThenCancel(t *testing.T) {
	act := &stubActuator{}
	d, st := newTestDialog(t, WithExtractor(KeywordExtractor{}), WithActuator(act))
	mustTurn(t, d, "c1", "£5 from joint to Alice")

	res := mustTurn(t, d, "c1", "hmm")
	if lastReply(res) != MsgConfirmRetry || res.Status != slot.StatusConfirming {
		t.Fatalf("expected confirmation retry, got %+v", res)
	}

	res = mustTurn(t, d, "c1", "no")
	if lastReply(res) != MsgCancelled || res.Status != slot.StatusCancelled {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if len(act.outcomes) != 1 || act.outcomes[0].Kind != slot.OutcomeCancel {
		t.Errorf("expected cancel outcome, got %+v", act.outcomes)
	}
	if fs, _ := st.GetFlowState("c1", string(models.FlowTypeTransfer)); fs != nil {
		t.Errorf("expected session state to be deleted, got %+v", fs)
	}
}

func TestDialog_ActuatorFailureApologizes(t *testing.T) {
	d, _ := newTestDialog(t, WithExtractor(KeywordExtractor{}), WithActuator(&stubActuator{err: errors.New("core banking down")}))
	mustTurn(t, d, "c1", "£5 from joint to Alice")

	res := mustTurn(t, d, "c1", "yes")
	if lastReply(res) != MsgActuatorFailed || res.Reference != "" {
		t.Fatalf("expected apology, got %+v", res)
	}

	res = mustTurn(t, d, "c1", "hello again")
	if lastReply(res) != MsgAccountPrompt {
		t.Errorf("expected a fresh session, got %+v", res)
	}
}

func TestDialog_RestartClearsValues(t *testing.T) {
	d, _ := newTestDialog(t)
	mustTurn(t, d, "c1", "hi")
	mustTurn(t, d, "c1", "joint")

	res := mustTurn(t, d, "c1", "start over")
	if !res.Restarted || len(res.Replies) != 2 || res.Replies[0] != MsgRestarted || res.Replies[1] != MsgAccountPrompt {
		t.Fatalf("unexpected restart result %+v", res)
	}
	if len(res.Values) != 0 {
		t.Errorf("expected values cleared, got %v", res.Values)
	}
}

func TestDialog_ExtractorFailureIsIgnored(t *testing.T) {
	d, _ := newTestDialog(t, WithExtractor(failingExtractor{}))
	res := mustTurn(t, d, "c1", "£50 from joint to Alice")
	if lastReply(res) != MsgAccountPrompt {
		t.Errorf("expected first prompt, got %+v", res)
	}
}

func TestDialog_RepliesGoThroughPrompter(t *testing.T) {
	p := &recordingPrompter{err: errors.New("socket closed")}
	d, _ := newTestDialog(t, WithPrompter(p))

	if _, err := d.HandleTurn(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("delivery failure must not fail the turn: %v", err)
	}
	if len(p.sent) != 1 || p.sent[0] != "c1: "+MsgAccountPrompt {
		t.Errorf("unexpected prompter calls %v", p.sent)
	}
}

func TestDialog_ResetAndEmptyConversation(t *testing.T) {
	d, _ := newTestDialog(t)
	ctx := context.Background()
	mustTurn(t, d, "c1", "hi")

	if err := d.Reset(ctx, "c1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if info, _ := d.Session(ctx, "c1"); info != nil {
		t.Errorf("expected no session after reset, got %+v", info)
	}
	if _, err := d.HandleTurn(ctx, "", "hi"); !errors.Is(err, models.ErrEmptyConversationID) {
		t.Errorf("expected ErrEmptyConversationID, got %v", err)
	}
}

func TestDialog_ConversationsAreIndependent(t *testing.T) {
	d, _ := newTestDialog(t, WithExtractor(KeywordExtractor{}))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if _, err := d.HandleTurn(context.Background(), id, fmt.Sprintf("£%d from joint to Payee%d", i+1, i)); err != nil {
				t.Errorf("turn %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		info, err := d.Session(context.Background(), fmt.Sprintf("c%d", i))
		if err != nil || info == nil {
			t.Fatalf("missing session c%d: %v", i, err)
		}
		if info.Values[SlotPayee] != fmt.Sprintf("Payee%d", i) {
			t.Errorf("session c%d has payee %q", i, info.Values[SlotPayee])
		}
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var k keyedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("expected 50, got %d", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("expected lock table to be emptied, got %d entries", len(k.locks))
	}
}
