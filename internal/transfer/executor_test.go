package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/flow"
	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

type recordingTyping struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recordingTyping) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typing)
	return nil
}

func commitOutcome() slot.Outcome {
	return slot.Outcome{
		Kind: slot.OutcomeCommit,
		Flow: string(models.FlowTypeTransfer),
		Values: map[string]string{
			flow.SlotAccountLabel: "Joint",
			flow.SlotAmount:       "£50.00",
			flow.SlotPayee:        "Alice",
		},
	}
}

func TestExecute_CommitSavesScheduledTransfer(t *testing.T) {
	st := store.NewInMemoryStore()
	typing := &recordingTyping{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewExecutor(st, WithProcessingDelay(0), WithTypingIndicator(typing), WithClock(func() time.Time { return fixed }))

	ref, err := e.Execute(context.Background(), "conv-1", commitOutcome())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(ref) != 9 || strings.ToUpper(ref) != ref {
		t.Errorf("unexpected reference %q", ref)
	}

	tr, err := st.GetTransfer(ref)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if tr.Status != models.TransferStatusScheduled || tr.Payee != "Alice" || tr.Amount != "£50.00" || tr.ConversationID != "conv-1" {
		t.Errorf("unexpected transfer %+v", tr)
	}
	if !tr.CreatedAt.Equal(fixed) || len(tr.ID) != 36 {
		t.Errorf("unexpected id or time %+v", tr)
	}
	if len(typing.calls) != 2 || !typing.calls[0] || typing.calls[1] {
		t.Errorf("expected typing on then off, got %v", typing.calls)
	}
}

func TestExecute_CancelArchivesWithoutReference(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewExecutor(st, WithProcessingDelay(time.Hour))

	out := commitOutcome()
	out.Kind = slot.OutcomeCancel
	ref, err := e.Execute(context.Background(), "conv-1", out)
	if err != nil || ref != "" {
		t.Fatalf("expected no reference and no error, got %q, %v", ref, err)
	}
	list, _ := st.ListTransfers()
	if len(list) != 1 || list[0].Status != models.TransferStatusCancelled || list[0].Reference != "" {
		t.Errorf("unexpected archive %+v", list)
	}
}

func TestExecute_RetriesDuplicateReference(t *testing.T) {
	st := store.NewInMemoryStore()
	refs := []string{"AAAAAAAAA", "AAAAAAAAA", "BBBBBBBBB"}
	i := 0
	e := NewExecutor(st, WithProcessingDelay(0), WithReferenceGenerator(func() string {
		r := refs[i]
		i++
		return r
	}))

	first, err := e.Execute(context.Background(), "c1", commitOutcome())
	if err != nil || first != "AAAAAAAAA" {
		t.Fatalf("unexpected first result %q, %v", first, err)
	}
	second, err := e.Execute(context.Background(), "c2", commitOutcome())
	if err != nil || second != "BBBBBBBBB" {
		t.Fatalf("expected retry to produce BBBBBBBBB, got %q, %v", second, err)
	}
}

func TestExecute_ContextCancelledDuringDelay(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewExecutor(st, WithProcessingDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Execute(ctx, "c1", commitOutcome()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if list, _ := st.ListTransfers(); len(list) != 0 {
		t.Errorf("expected nothing saved, got %+v", list)
	}
}

func TestExecute_RejectsIncompleteOrForeignOutcome(t *testing.T) {
	e := NewExecutor(store.NewInMemoryStore(), WithProcessingDelay(0))

	out := commitOutcome()
	delete(out.Values, flow.SlotPayee)
	if _, err := e.Execute(context.Background(), "c1", out); err == nil {
		t.Error("expected error for missing payee")
	}

	out = commitOutcome()
	out.Flow = "booking"
	if _, err := e.Execute(context.Background(), "c1", out); err == nil {
		t.Error("expected error for another flow")
	}
}
