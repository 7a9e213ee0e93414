package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/store"
)

// DefaultSessionTTL is how long an idle session survives before it is swept.
const DefaultSessionTTL = 30 * time.Minute

// SessionSweeper deletes sessions that have not been updated within the TTL.
//
// It deletes through the store directly and does not take the dialog's
// per-conversation lock. A turn already in flight for a swept conversation
// saves its session again, so that conversation simply stays alive.
type SessionSweeper struct {
	store    store.Store
	flowType string
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionSweeper returns a sweeper for sessions of flowType. A non-positive
// ttl falls back to DefaultSessionTTL.
func NewSessionSweeper(st store.Store, flowType string, ttl time.Duration) *SessionSweeper {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionSweeper{store: st, flowType: flowType, ttl: ttl, now: time.Now}
}

// TTL returns the effective session lifetime.
func (s *SessionSweeper) TTL() time.Duration { return s.ttl }

// Sweep removes expired sessions and returns how many were deleted.
func (s *SessionSweeper) Sweep() (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.store.DeleteFlowStatesBefore(s.flowType, cutoff)
	if err != nil {
		slog.Error("SessionSweeper Sweep failed", "error", err, "flowType", s.flowType)
		return 0, fmt.Errorf("sweep %s sessions: %w", s.flowType, err)
	}
	if n > 0 {
		slog.Info("SessionSweeper Sweep expired sessions", "flowType", s.flowType, "count", n, "cutoff", cutoff)
	} else {
		slog.Debug("SessionSweeper Sweep found nothing to expire", "flowType", s.flowType)
	}
	return n, nil
}

// Run is the cron entry point; errors are logged by Sweep.
func (s *SessionSweeper) Run() {
	_, _ = s.Sweep()
}
