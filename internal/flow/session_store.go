package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

// SessionRecord is a persisted session plus the slot whose prompt awaits an answer.
type SessionRecord struct {
	Session     *slot.Session
	PendingSlot string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStore persists one in-flight session per conversation.
type SessionStore interface {
	// Load returns nil, nil when the conversation has no session.
	Load(ctx context.Context, conversationID string) (*SessionRecord, error)
	Save(ctx context.Context, conversationID string, rec SessionRecord) error
	Delete(ctx context.Context, conversationID string) error
}

// StoreSessionStore implements SessionStore on top of store.Store flow states.
type StoreSessionStore struct {
	store    store.Store
	flow     *slot.Flow
	flowType models.FlowType
}

// NewStoreSessionStore creates a SessionStore for flow backed by st.
func NewStoreSessionStore(st store.Store, flow *slot.Flow) *StoreSessionStore {
	slog.Debug("Creating StoreSessionStore", "flow", flow.Name())
	return &StoreSessionStore{store: st, flow: flow, flowType: models.FlowType(flow.Name())}
}

// Load retrieves and restores the session for a conversation.
func (s *StoreSessionStore) Load(ctx context.Context, conversationID string) (*SessionRecord, error) {
	fs, err := s.store.GetFlowState(conversationID, string(s.flowType))
	if err != nil {
		slog.Error("SessionStore Load error", "error", err, "conversationID", conversationID, "flowType", s.flowType)
		return nil, err
	}
	if fs == nil {
		slog.Debug("SessionStore Load not found", "conversationID", conversationID, "flowType", s.flowType)
		return nil, nil
	}

	st := slot.State{Flow: s.flow.Name(), Status: slot.Status(fs.CurrentState)}
	if raw := fs.StateData[models.DataKeySlotValues]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Values); err != nil {
			return nil, fmt.Errorf("decode slot values for %s: %w", conversationID, err)
		}
	}
	if raw := fs.StateData[models.DataKeySlotSources]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Sources); err != nil {
			return nil, fmt.Errorf("decode slot sources for %s: %w", conversationID, err)
		}
	}

	sess, err := slot.Restore(s.flow, st)
	if err != nil {
		slog.Error("SessionStore Load restore failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("restore session for %s: %w", conversationID, err)
	}

	slog.Debug("SessionStore Load found", "conversationID", conversationID, "session", sess)
	return &SessionRecord{
		Session:     sess,
		PendingSlot: fs.StateData[models.DataKeyPendingSlot],
		CreatedAt:   fs.CreatedAt,
		UpdatedAt:   fs.UpdatedAt,
	}, nil
}

// Save writes the session snapshot, keeping the original creation time.
func (s *StoreSessionStore) Save(ctx context.Context, conversationID string, rec SessionRecord) error {
	if rec.Session == nil {
		return fmt.Errorf("cannot save nil session for %s", conversationID)
	}
	snap := rec.Session.Snapshot()

	values, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("encode slot values: %w", err)
	}
	sources, err := json.Marshal(snap.Sources)
	if err != nil {
		return fmt.Errorf("encode slot sources: %w", err)
	}

	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		existing, err := s.store.GetFlowState(conversationID, string(s.flowType))
		if err != nil {
			slog.Error("SessionStore Save get error", "error", err, "conversationID", conversationID)
			return err
		}
		created = now
		if existing != nil {
			created = existing.CreatedAt
		}
	}

	state := models.FlowState{
		ParticipantID: conversationID,
		FlowType:      s.flowType,
		CurrentState:  models.StateType(snap.Status),
		StateData: map[models.DataKey]string{
			models.DataKeySlotValues:  string(values),
			models.DataKeySlotSources: string(sources),
			models.DataKeyPendingSlot: rec.PendingSlot,
		},
		CreatedAt: created,
		UpdatedAt: now,
	}
	if err := s.store.SaveFlowState(state); err != nil {
		slog.Error("SessionStore Save error", "error", err, "conversationID", conversationID, "status", snap.Status)
		return err
	}

	slog.Debug("SessionStore Save succeeded", "conversationID", conversationID, "session", rec.Session, "pendingSlot", rec.PendingSlot)
	return nil
}

// Delete removes the conversation's session. Deleting a missing session is not an error.
func (s *StoreSessionStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.store.DeleteFlowState(conversationID, string(s.flowType)); err != nil {
		slog.Error("SessionStore Delete error", "error", err, "conversationID", conversationID)
		return err
	}
	slog.Debug("SessionStore Delete succeeded", "conversationID", conversationID, "flowType", s.flowType)
	return nil
}
