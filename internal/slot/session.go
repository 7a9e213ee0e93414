package slot

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	// StatusCollecting is the initial state; slots are being filled.
	StatusCollecting Status = "collecting"
	// StatusConfirming means every slot is filled and a yes/no answer is awaited.
	StatusConfirming Status = "confirming"
	// StatusCommitted is terminal: the user confirmed.
	StatusCommitted Status = "committed"
	// StatusCancelled is terminal: the user declined.
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCollecting, StatusConfirming, StatusCommitted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusCancelled
}

// Source records how a slot value was obtained.
type Source string

const (
	SourceSeeded   Source = "seeded"
	SourceAnswered Source = "answered"
)

// OutcomeKind is the terminal decision returned by ResolveConfirmation.
type OutcomeKind string

const (
	OutcomeCommit OutcomeKind = "commit"
	OutcomeCancel OutcomeKind = "cancel"
)

// Outcome is the result of resolving a confirmation. Values is a copy of the
// session's values at the time of the decision.
type Outcome struct {
	Kind   OutcomeKind
	Flow   string
	Values map[string]string
}

// Session accumulates validated slot values for one flow invocation.
type Session struct {
	flow    *Flow
	values  map[string]string
	sources map[string]Source
	status  Status
}

// NewSession starts a fresh session in StatusCollecting.
func NewSession(flow *Flow) *Session {
	return &Session{
		flow:    flow,
		values:  make(map[string]string),
		sources: make(map[string]Source),
		status:  StatusCollecting,
	}
}

// Flow returns the session's flow definition.
func (s *Session) Flow() *Flow { return s.flow }

// Status returns the current status.
func (s *Session) Status() Status { return s.status }

// IsTerminal reports whether the session reached committed or cancelled.
func (s *Session) IsTerminal() bool { return s.status.IsTerminal() }

// Value returns the stored value for a slot.
func (s *Session) Value(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Source returns how a stored slot value was obtained.
func (s *Session) Source(name string) (Source, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// Values returns a copy of the stored values.
func (s *Session) Values() map[string]string {
	return maps.Clone(s.values)
}

// Seed stores the valid candidates for slots that are still unset. Blank,
// rejected and unknown candidates are dropped without error.
func (s *Session) Seed(candidates map[string]any) error {
	if s.status != StatusCollecting {
		return &InvalidStateError{Op: "Seed", Status: s.status, Reason: "session is no longer collecting"}
	}

	for _, spec := range s.flow.slots {
		raw, ok := candidates[spec.Name]
		if !ok {
			continue
		}
		if _, filled := s.values[spec.Name]; filled {
			slog.Debug("Session Seed kept existing value", "flow", s.flow.name, "slot", spec.Name)
			continue
		}
		if IsBlank(raw) {
			slog.Debug("Session Seed dropped blank candidate", "flow", s.flow.name, "slot", spec.Name)
			continue
		}
		value, err := spec.Validate(raw)
		if err != nil {
			slog.Debug("Session Seed dropped invalid candidate", "flow", s.flow.name, "slot", spec.Name, "error", err)
			continue
		}
		s.values[spec.Name] = value
		s.sources[spec.Name] = SourceSeeded
		slog.Debug("Session Seed stored candidate", "flow", s.flow.name, "slot", spec.Name)
	}

	for name := range candidates {
		if _, known := s.flow.index[name]; !known {
			slog.Debug("Session Seed ignored unknown slot", "flow", s.flow.name, "slot", name)
		}
	}
	return nil
}

// NextRequiredSlot returns the first slot, in flow order, that has no value.
func (s *Session) NextRequiredSlot() (SlotSpec, bool) {
	for _, spec := range s.flow.slots {
		if _, ok := s.values[spec.Name]; !ok {
			return spec, true
		}
	}
	return SlotSpec{}, false
}

// RecordAnswer validates an explicit answer and stores it, replacing any seeded value.
func (s *Session) RecordAnswer(name string, raw any) error {
	if s.status != StatusCollecting {
		return &InvalidStateError{Op: "RecordAnswer", Status: s.status, Reason: "session is no longer collecting"}
	}
	spec, ok := s.flow.Lookup(name)
	if !ok {
		return &InvalidStateError{Op: "RecordAnswer", Status: s.status, Reason: fmt.Sprintf("unknown slot %q", name)}
	}

	retry := spec.RetryPrompt
	if retry == "" {
		retry = DefaultRetryMessage
	}
	if IsBlank(raw) {
		return &ValidationError{Slot: name, RetryMessage: retry, Err: fmt.Errorf("value cannot be empty")}
	}
	value, err := spec.Validate(raw)
	if err != nil {
		return &ValidationError{Slot: name, RetryMessage: retry, Err: err}
	}

	s.values[name] = value
	s.sources[name] = SourceAnswered
	return nil
}

// BeginConfirmation moves a fully filled session to StatusConfirming and returns
// the summary used for the confirmation prompt.
func (s *Session) BeginConfirmation() (string, error) {
	if s.status != StatusCollecting {
		return "", &InvalidStateError{Op: "BeginConfirmation", Status: s.status, Reason: "session is not collecting"}
	}
	if next, ok := s.NextRequiredSlot(); ok {
		return "", &InvalidStateError{Op: "BeginConfirmation", Status: s.status, Reason: fmt.Sprintf("slot %q is not filled", next.Name)}
	}
	s.status = StatusConfirming
	return s.flow.Summary(s.Values()), nil
}

// ResolveConfirmation applies the user's yes/no decision.
func (s *Session) ResolveConfirmation(confirmed bool) (Outcome, error) {
	if s.status != StatusConfirming {
		return Outcome{}, &InvalidStateError{Op: "ResolveConfirmation", Status: s.status, Reason: "session is not awaiting confirmation"}
	}
	kind := OutcomeCancel
	s.status = StatusCancelled
	if confirmed {
		kind = OutcomeCommit
		s.status = StatusCommitted
	}
	return Outcome{Kind: kind, Flow: s.flow.name, Values: s.Values()}, nil
}

// Reset discards all values and returns the session to StatusCollecting.
func (s *Session) Reset() {
	s.values = make(map[string]string)
	s.sources = make(map[string]Source)
	s.status = StatusCollecting
}

// State is the serializable form of a Session.
type State struct {
	Flow    string            `json:"flow"`
	Status  Status            `json:"status"`
	Values  map[string]string `json:"values,omitempty"`
	Sources map[string]Source `json:"sources,omitempty"`
}

// Snapshot returns the session's serializable state.
func (s *Session) Snapshot() State {
	return State{
		Flow:    s.flow.name,
		Status:  s.status,
		Values:  s.Values(),
		Sources: maps.Clone(s.sources),
	}
}

// Restore rebuilds a session from a snapshot taken against the same flow.
func Restore(flow *Flow, st State) (*Session, error) {
	if st.Flow != "" && st.Flow != flow.name {
		return nil, fmt.Errorf("snapshot belongs to flow %q, not %q", st.Flow, flow.name)
	}
	if !st.Status.IsValid() {
		return nil, fmt.Errorf("snapshot has unknown status %q", st.Status)
	}

	sess := NewSession(flow)
	sess.status = st.Status
	for name, v := range st.Values {
		if _, ok := flow.index[name]; !ok {
			return nil, fmt.Errorf("snapshot has unknown slot %q", name)
		}
		sess.values[name] = v
		src := st.Sources[name]
		if src == "" {
			src = SourceAnswered
		}
		sess.sources[name] = src
	}
	if st.Status != StatusCollecting {
		if next, ok := sess.NextRequiredSlot(); ok {
			return nil, fmt.Errorf("snapshot in status %s is missing slot %q", st.Status, next.Name)
		}
	}
	return sess, nil
}

// Pending returns the names of unfilled slots in flow order.
func (s *Session) Pending() []string {
	var out []string
	for _, spec := range s.flow.slots {
		if _, ok := s.values[spec.Name]; !ok {
			out = append(out, spec.Name)
		}
	}
	return out
}

// String is used in log lines.
func (s *Session) String() string {
	return fmt.Sprintf("%s[%s filled=%d/%d pending=%s]", s.flow.name, s.status, len(s.values), len(s.flow.slots), strings.Join(s.Pending(), ","))
}
