package flow

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

func TestStoreSessionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	flow := TransferFlow()
	ss := NewStoreSessionStore(st, flow)

	if rec, err := ss.Load(ctx, "c1"); err != nil || rec != nil {
		t.Fatalf("expected no session, got %+v, %v", rec, err)
	}

	sess := slot.NewSession(flow)
	if err := sess.Seed(map[string]any{SlotAmount: "£10"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := sess.RecordAnswer(SlotAccountLabel, "joint"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if err := ss.Save(ctx, "c1", SessionRecord{Session: sess, PendingSlot: SlotPayee}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rec, err := ss.Load(ctx, "c1")
	if err != nil || rec == nil {
		t.Fatalf("load failed: %v", err)
	}
	if rec.PendingSlot != SlotPayee {
		t.Errorf("expected pending %s, got %s", SlotPayee, rec.PendingSlot)
	}
	if v, _ := rec.Session.Value(SlotAmount); v != "£10.00" {
		t.Errorf("expected amount £10.00, got %q", v)
	}
	if src, _ := rec.Session.Source(SlotAmount); src != slot.SourceSeeded {
		t.Errorf("expected seeded source, got %q", src)
	}
	if src, _ := rec.Session.Source(SlotAccountLabel); src != slot.SourceAnswered {
		t.Errorf("expected answered source, got %q", src)
	}

	fs, _ := st.GetFlowState("c1", string(models.FlowTypeTransfer))
	if fs.CurrentState != models.StateType(slot.StatusCollecting) {
		t.Errorf("expected current state collecting, got %s", fs.CurrentState)
	}
}

func TestStoreSessionStore_KeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	flow := TransferFlow()
	ss := NewStoreSessionStore(st, flow)

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := st.SaveFlowState(models.FlowState{
		ParticipantID: "c1",
		FlowType:      models.FlowTypeTransfer,
		CurrentState:  models.StateType(slot.StatusCollecting),
		CreatedAt:     created,
		UpdatedAt:     created,
	}); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	if err := ss.Save(ctx, "c1", SessionRecord{Session: slot.NewSession(flow)}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rec, _ := ss.Load(ctx, "c1")
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("expected created %v, got %v", created, rec.CreatedAt)
	}
	if !rec.UpdatedAt.After(created) {
		t.Errorf("expected updated after created, got %v", rec.UpdatedAt)
	}
}

func TestStoreSessionStore_CorruptState(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	ss := NewStoreSessionStore(st, TransferFlow())

	_ = st.SaveFlowState(models.FlowState{
		ParticipantID: "c1",
		FlowType:      models.FlowTypeTransfer,
		CurrentState:  models.StateType(slot.StatusCollecting),
		StateData:     map[models.DataKey]string{models.DataKeySlotValues: "{not json"},
	})
	if _, err := ss.Load(ctx, "c1"); err == nil {
		t.Error("expected decode error")
	}

	_ = st.SaveFlowState(models.FlowState{
		ParticipantID: "c2",
		FlowType:      models.FlowTypeTransfer,
		CurrentState:  models.StateType(slot.StatusConfirming),
		StateData:     map[models.DataKey]string{models.DataKeySlotValues: `{"Amount":"1.00"}`},
	})
	if _, err := ss.Load(ctx, "c2"); err == nil {
		t.Error("expected restore error for confirming session with missing slots")
	}
}

func TestStoreSessionStore_DeleteMissing(t *testing.T) {
	ss := NewStoreSessionStore(store.NewInMemoryStore(), TransferFlow())
	if err := ss.Delete(context.Background(), "nobody"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
