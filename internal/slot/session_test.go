package slot

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func accountFlow(t *testing.T) *Flow {
	t.Helper()
	f, err := NewFlow("transfer", []SlotSpec{
		{Name: "AccountLabel", Label: "Account", Prompt: "Which account?", RetryPrompt: "Which account do you want to transfer from (Joint, Current, Savings etc)", Validate: Text},
	})
	if err != nil {
		t.Fatalf("NewFlow failed: %v", err)
	}
	return f
}

func rejectFoo(candidate any) (string, error) {
	v, err := Text(candidate)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(v, "foo") {
		return "", fmt.Errorf("foo is not allowed")
	}
	return v, nil
}

func threeSlotFlow(t *testing.T) *Flow {
	t.Helper()
	f, err := NewFlow("three", []SlotSpec{
		{Name: "a", Validate: rejectFoo},
		{Name: "b", Validate: rejectFoo},
		{Name: "c", Validate: rejectFoo},
	})
	if err != nil {
		t.Fatalf("NewFlow failed: %v", err)
	}
	return f
}

func TestNewFlow_RejectsBadDefinitions(t *testing.T) {
	cases := map[string][]SlotSpec{
		"no slots":      nil,
		"empty name":    {{Name: " ", Validate: Text}},
		"duplicate":     {{Name: "a", Validate: Text}, {Name: "a", Validate: Text}},
		"nil validator": {{Name: "a"}},
	}
	for name, slots := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewFlow("f", slots); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestScenarioA_PromptThenCommit(t *testing.T) {
	s := NewSession(accountFlow(t))
	if err := s.Seed(map[string]any{}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	next, ok := s.NextRequiredSlot()
	if !ok || next.Name != "AccountLabel" {
		t.Fatalf("expected AccountLabel to be required, got %q (%v)", next.Name, ok)
	}
	if err := s.RecordAnswer("AccountLabel", "Savings"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if _, ok := s.NextRequiredSlot(); ok {
		t.Fatal("expected no required slot after answer")
	}
	summary, err := s.BeginConfirmation()
	if err != nil {
		t.Fatalf("BeginConfirmation failed: %v", err)
	}
	if !strings.Contains(summary, "Savings") {
		t.Errorf("summary should mention Savings, got %q", summary)
	}
	if s.Status() != StatusConfirming {
		t.Errorf("expected status confirming, got %s", s.Status())
	}
	out, err := s.ResolveConfirmation(true)
	if err != nil {
		t.Fatalf("ResolveConfirmation failed: %v", err)
	}
	if out.Kind != OutcomeCommit || s.Status() != StatusCommitted {
		t.Errorf("expected commit/committed, got %s/%s", out.Kind, s.Status())
	}
	if out.Values["AccountLabel"] != "Savings" {
		t.Errorf("outcome values missing account, got %v", out.Values)
	}
}

func TestScenarioB_WhitespaceSeedIsDropped(t *testing.T) {
	s := NewSession(accountFlow(t))
	if err := s.Seed(map[string]any{"AccountLabel": "   "}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if _, ok := s.Value("AccountLabel"); ok {
		t.Error("whitespace candidate should not fill the slot")
	}
	next, ok := s.NextRequiredSlot()
	if !ok || next.Name != "AccountLabel" {
		t.Errorf("expected AccountLabel still required, got %q", next.Name)
	}
}

func TestScenarioC_CancelThenResolveAgain(t *testing.T) {
	s := NewSession(accountFlow(t))
	if err := s.RecordAnswer("AccountLabel", "Savings"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if _, err := s.BeginConfirmation(); err != nil {
		t.Fatalf("BeginConfirmation failed: %v", err)
	}
	out, err := s.ResolveConfirmation(false)
	if err != nil {
		t.Fatalf("ResolveConfirmation failed: %v", err)
	}
	if out.Kind != OutcomeCancel || s.Status() != StatusCancelled {
		t.Errorf("expected cancel/cancelled, got %s/%s", out.Kind, s.Status())
	}
	_, err = s.ResolveConfirmation(true)
	if !IsInvalidState(err) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if s.Status() != StatusCancelled {
		t.Errorf("status should remain cancelled, got %s", s.Status())
	}
}

func TestScenarioD_SeedSkipsPromptAndAnswerOverwrites(t *testing.T) {
	s := NewSession(accountFlow(t))
	if err := s.Seed(map[string]any{"AccountLabel": "Current"}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if _, ok := s.NextRequiredSlot(); ok {
		t.Fatal("pre-filled slot should not be required")
	}
	if src, _ := s.Source("AccountLabel"); src != SourceSeeded {
		t.Errorf("expected seeded source, got %q", src)
	}
	if err := s.RecordAnswer("AccountLabel", "Joint"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if v, _ := s.Value("AccountLabel"); v != "Joint" {
		t.Errorf("expected Joint, got %q", v)
	}
	if src, _ := s.Source("AccountLabel"); src != SourceAnswered {
		t.Errorf("expected answered source, got %q", src)
	}
}

func TestSeed_ValidCandidatesSkipSlots(t *testing.T) {
	s := NewSession(threeSlotFlow(t))
	if err := s.Seed(map[string]any{"a": "one", "c": []string{"", " three "}}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	next, ok := s.NextRequiredSlot()
	if !ok || next.Name != "b" {
		t.Fatalf("expected b, got %q", next.Name)
	}
	if v, _ := s.Value("c"); v != "three" {
		t.Errorf("expected first non-blank list element, got %q", v)
	}
}

func TestSeed_DropsRejectedUnknownAndUnsupported(t *testing.T) {
	s := NewSession(threeSlotFlow(t))
	err := s.Seed(map[string]any{
		"a":     "foo",
		"b":     struct{}{},
		"c":     nil,
		"ghost": "boo",
	})
	if err != nil {
		t.Fatalf("Seed should never fail while collecting: %v", err)
	}
	if got := len(s.Values()); got != 0 {
		t.Errorf("expected no stored values, got %d", got)
	}
	if _, ok := s.Value("ghost"); ok {
		t.Error("unknown slot must never be stored")
	}
}

func TestSeed_DoesNotOverwriteStoredValue(t *testing.T) {
	s := NewSession(threeSlotFlow(t))
	if err := s.RecordAnswer("a", "answered"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if err := s.Seed(map[string]any{"a": "seeded"}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if v, _ := s.Value("a"); v != "answered" {
		t.Errorf("seed must not overwrite stored value, got %q", v)
	}
}

func TestSeed_OutsideCollecting(t *testing.T) {
	s := NewSession(accountFlow(t))
	_ = s.RecordAnswer("AccountLabel", "Savings")
	if _, err := s.BeginConfirmation(); err != nil {
		t.Fatalf("BeginConfirmation failed: %v", err)
	}
	if err := s.Seed(map[string]any{"AccountLabel": "Joint"}); !IsInvalidState(err) {
		t.Errorf("expected invalid state, got %v", err)
	}
	if v, _ := s.Value("AccountLabel"); v != "Savings" {
		t.Errorf("value changed after rejected seed: %q", v)
	}
}

func TestRecordAnswer_ProgressNeverRepeats(t *testing.T) {
	s := NewSession(threeSlotFlow(t))
	seen := map[string]bool{}
	for {
		next, ok := s.NextRequiredSlot()
		if !ok {
			break
		}
		if seen[next.Name] {
			t.Fatalf("slot %q returned twice", next.Name)
		}
		seen[next.Name] = true
		if err := s.RecordAnswer(next.Name, "value-"+next.Name); err != nil {
			t.Fatalf("RecordAnswer(%s) failed: %v", next.Name, err)
		}
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 prompts, got %d", len(seen))
	}
}

func TestRecordAnswer_ValidationError(t *testing.T) {
	s := NewSession(accountFlow(t))
	for _, raw := range []any{"", "  \t", nil} {
		err := s.RecordAnswer("AccountLabel", raw)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError for %q, got %v", raw, err)
		}
		if !strings.Contains(ve.RetryMessage, "Which account do you want to transfer from") {
			t.Errorf("unexpected retry message %q", ve.RetryMessage)
		}
		if IsInvalidState(err) {
			t.Error("validation failure must not look like an invalid state error")
		}
	}
	if _, ok := s.NextRequiredSlot(); !ok {
		t.Error("slot must not advance after a validation failure")
	}

	s2 := NewSession(threeSlotFlow(t))
	err := s2.RecordAnswer("a", "foo")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.RetryMessage != DefaultRetryMessage {
		t.Errorf("expected default retry message, got %v", err)
	}
}

func TestRecordAnswer_UnknownSlotIsInvalidState(t *testing.T) {
	s := NewSession(accountFlow(t))
	err := s.RecordAnswer("Payee", "Bob")
	if !IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if IsValidationError(err) {
		t.Error("unknown slot must not be reported as a validation error")
	}
}

func TestBeginConfirmation_WithUnfilledSlots(t *testing.T) {
	s := NewSession(threeSlotFlow(t))
	_ = s.RecordAnswer("a", "x")
	_, err := s.BeginConfirmation()
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Op != "BeginConfirmation" {
		t.Errorf("unexpected op %q", ise.Op)
	}
	if s.Status() != StatusCollecting {
		t.Errorf("status must stay collecting, got %s", s.Status())
	}
}

func TestResolveConfirmation_OnlyWhileConfirming(t *testing.T) {
	s := NewSession(accountFlow(t))
	if _, err := s.ResolveConfirmation(true); !IsInvalidState(err) {
		t.Errorf("collecting: expected invalid state, got %v", err)
	}
	_ = s.RecordAnswer("AccountLabel", "Savings")
	_, _ = s.BeginConfirmation()
	if _, err := s.ResolveConfirmation(true); err != nil {
		t.Fatalf("confirming: unexpected error %v", err)
	}
	if _, err := s.ResolveConfirmation(false); !IsInvalidState(err) {
		t.Errorf("committed: expected invalid state, got %v", err)
	}
	if s.Status() != StatusCommitted {
		t.Errorf("status changed after invalid call: %s", s.Status())
	}
}

func TestNoReturnToCollectingWithoutReset(t *testing.T) {
	s := NewSession(accountFlow(t))
	_ = s.RecordAnswer("AccountLabel", "Savings")
	_, _ = s.BeginConfirmation()
	if err := s.RecordAnswer("AccountLabel", "Joint"); !IsInvalidState(err) {
		t.Errorf("expected invalid state while confirming, got %v", err)
	}
	if _, err := s.BeginConfirmation(); !IsInvalidState(err) {
		t.Errorf("expected invalid state on second BeginConfirmation, got %v", err)
	}

	s.Reset()
	if s.Status() != StatusCollecting || len(s.Values()) != 0 {
		t.Errorf("reset should produce a fresh session, got %s", s)
	}
}

func TestSummary_DefaultIsDeterministic(t *testing.T) {
	f, err := NewFlow("f", []SlotSpec{
		{Name: "z", Label: "Zed", Validate: Text},
		{Name: "a", Validate: Text},
	})
	if err != nil {
		t.Fatalf("NewFlow failed: %v", err)
	}
	s := NewSession(f)
	_ = s.RecordAnswer("a", "1")
	_ = s.RecordAnswer("z", "2")
	summary, err := s.BeginConfirmation()
	if err != nil {
		t.Fatalf("BeginConfirmation failed: %v", err)
	}
	if summary != "Zed: 2\na: 1" {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := threeSlotFlow(t)
	s := NewSession(f)
	_ = s.Seed(map[string]any{"a": "seeded"})
	_ = s.RecordAnswer("b", "answered")

	restored, err := Restore(f, s.Snapshot())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Status() != StatusCollecting {
		t.Errorf("unexpected status %s", restored.Status())
	}
	if src, _ := restored.Source("a"); src != SourceSeeded {
		t.Errorf("expected seeded source after restore, got %q", src)
	}
	next, ok := restored.NextRequiredSlot()
	if !ok || next.Name != "c" {
		t.Errorf("expected c to be next, got %q", next.Name)
	}
}

func TestRestore_RejectsCorruptSnapshots(t *testing.T) {
	f := accountFlow(t)
	cases := map[string]State{
		"wrong flow":       {Flow: "other", Status: StatusCollecting},
		"unknown status":   {Flow: "transfer", Status: "limbo"},
		"unknown slot":     {Flow: "transfer", Status: StatusCollecting, Values: map[string]string{"ghost": "x"}},
		"confirming short": {Flow: "transfer", Status: StatusConfirming},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Restore(f, st); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestCandidateText(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"x", "x", true},
		{[]string{" ", "y"}, "y", true},
		{[]any{nil, "z"}, "z", true},
		{42, "42", true},
		{12.5, "12.5", true},
		{nil, "", false},
		{map[string]int{}, "", false},
	}
	for _, c := range cases {
		got, ok := CandidateText(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("CandidateText(%v) = %q,%v; want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}
