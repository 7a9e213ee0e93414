// Package slot implements a guided-form core: an ordered set of named slots that is
// filled from pre-extracted candidates and explicit answers, then confirmed.
//
// A Session is a pure state reducer. It performs no I/O and is not safe for
// concurrent use; callers persist it between turns via Snapshot and Restore.
package slot

import (
	"fmt"
	"strconv"
	"strings"
)

// Validator canonicalizes a candidate value for a slot, or rejects it.
type Validator func(candidate any) (string, error)

// SlotSpec describes a single named slot in a Flow.
type SlotSpec struct {
	Name        string    // identifier, unique within a flow
	Label       string    // human-readable label used in summaries
	Prompt      string    // question asked when the slot is missing
	RetryPrompt string    // question asked after a rejected answer
	Validate    Validator // canonicalizes or rejects candidates
}

// DisplayLabel returns the label used for summaries, falling back to the name.
func (s SlotSpec) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// Flow is an immutable, ordered definition of slots.
type Flow struct {
	name      string
	slots     []SlotSpec
	index     map[string]int
	summarize func(values map[string]string) string
}

// FlowOption customizes a Flow at construction time.
type FlowOption func(*Flow)

// WithSummary sets the function that renders the confirmation summary.
func WithSummary(fn func(values map[string]string) string) FlowOption {
	return func(f *Flow) {
		f.summarize = fn
	}
}

// NewFlow validates the slot definitions and returns an immutable Flow.
func NewFlow(name string, slots []SlotSpec, opts ...FlowOption) (*Flow, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("flow name cannot be empty")
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("flow %q must define at least one slot", name)
	}

	f := &Flow{
		name:  name,
		slots: make([]SlotSpec, len(slots)),
		index: make(map[string]int, len(slots)),
	}
	for i, s := range slots {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("flow %q: slot %d has an empty name", name, i)
		}
		if _, dup := f.index[s.Name]; dup {
			return nil, fmt.Errorf("flow %q: duplicate slot %q", name, s.Name)
		}
		if s.Validate == nil {
			return nil, fmt.Errorf("flow %q: slot %q has no validator", name, s.Name)
		}
		f.slots[i] = s
		f.index[s.Name] = i
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// MustFlow is like NewFlow but panics on an invalid definition.
func MustFlow(name string, slots []SlotSpec, opts ...FlowOption) *Flow {
	f, err := NewFlow(name, slots, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// Name returns the flow name.
func (f *Flow) Name() string {
	return f.name
}

// Slots returns a copy of the ordered slot definitions.
func (f *Flow) Slots() []SlotSpec {
	out := make([]SlotSpec, len(f.slots))
	copy(out, f.slots)
	return out
}

// SlotNames returns the slot names in flow order.
func (f *Flow) SlotNames() []string {
	names := make([]string, len(f.slots))
	for i, s := range f.slots {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the slot with the given name.
func (f *Flow) Lookup(name string) (SlotSpec, bool) {
	i, ok := f.index[name]
	if !ok {
		return SlotSpec{}, false
	}
	return f.slots[i], true
}

// Summary renders values deterministically in flow order.
func (f *Flow) Summary(values map[string]string) string {
	if f.summarize != nil {
		return f.summarize(values)
	}
	lines := make([]string, 0, len(f.slots))
	for _, s := range f.slots {
		if v, ok := values[s.Name]; ok {
			lines = append(lines, s.DisplayLabel()+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

// CandidateText converts an untyped candidate into text. The boolean is false when
// the candidate has no usable text form; blank results are returned as-is so callers
// can reject them explicitly.
func CandidateText(candidate any) (string, bool) {
	switch v := candidate.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return s, true
			}
		}
		return "", true
	case []any:
		for _, item := range v {
			if s, ok := CandidateText(item); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
		return "", true
	case fmt.Stringer:
		return v.String(), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// IsBlank reports whether a candidate carries no usable, non-whitespace text.
func IsBlank(candidate any) bool {
	s, ok := CandidateText(candidate)
	return !ok || strings.TrimSpace(s) == ""
}

// Text is a Validator that accepts any non-blank text, trimmed.
func Text(candidate any) (string, error) {
	s, ok := CandidateText(candidate)
	if !ok {
		return "", fmt.Errorf("unsupported candidate type %T", candidate)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("value cannot be empty")
	}
	return s, nil
}
