// Package store provides storage backends for SlotPipe.
//
// Sessions, transfers, message receipts and inbound responses are kept in memory,
// in SQLite or in PostgreSQL behind the same Store interface.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
)

// ErrTransferNotFound is returned when no transfer has the requested reference.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrDuplicateReference is returned by InMemoryStore when a transfer reference is reused.
var ErrDuplicateReference = errors.New("transfer reference already exists")

// Store is the persistence contract shared by all backends.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	SaveFlowState(state models.FlowState) error
	GetFlowState(participantID, flowType string) (*models.FlowState, error)
	DeleteFlowState(participantID, flowType string) error
	// DeleteFlowStatesBefore removes flow states of a type not updated since cutoff.
	DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int64, error)

	SaveTransfer(t models.Transfer) error
	GetTransfer(reference string) (*models.Transfer, error)
	ListTransfers() ([]models.Transfer, error)

	DedupRepo

	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// flowKey identifies a flow state in the in-memory store.
type flowKey struct {
	participantID string
	flowType      string
}

// InMemoryStore keeps everything in process memory. It is used in tests and
// when no database DSN is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	receipts   []models.Receipt
	responses  []models.Response
	flowStates map[flowKey]models.FlowState
	transfers  []models.Transfer
	inbound    map[string]DedupRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates: make(map[flowKey]models.FlowState),
		inbound:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

// SaveFlowState stores or replaces the flow state for a conversation.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	s.flowStates[flowKey{state.ParticipantID, string(state.FlowType)}] = state
	slog.Debug("InMemoryStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState returns nil, nil when no state exists.
func (s *InMemoryStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowKey{participantID, flowType}]
	if !ok {
		return nil, nil
	}
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(participantID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey{participantID, flowType})
	return nil
}

func (s *InMemoryStore) DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, st := range s.flowStates {
		if k.flowType == flowType && st.UpdatedAt.Before(cutoff) {
			delete(s.flowStates, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveTransfer(t models.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Reference != "" {
		for _, existing := range s.transfers {
			if existing.Reference == t.Reference {
				return ErrDuplicateReference
			}
		}
	}
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *InMemoryStore) GetTransfer(reference string) (*models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if reference != "" && t.Reference == reference {
			out := t
			return &out, nil
		}
	}
	return nil, ErrTransferNotFound
}

// ListTransfers returns transfers newest first.
func (s *InMemoryStore) ListTransfers() ([]models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Transfer(nil), s.transfers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open returns the backend matching the configured DSN: PostgreSQL, SQLite, or
// an in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
