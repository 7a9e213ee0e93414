package flow

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// KeywordExtractor finds transfer slots with simple patterns. It needs no network
// access and is used when no model is configured.
type KeywordExtractor struct{}

var (
	accountPattern = regexp.MustCompile(`(?i)\b(joint|current|savings?|business|isa)\b`)
	amountPattern  = regexp.MustCompile(`(?i)[£$€]\s?[0-9][0-9,]*(?:\.[0-9]{1,2})?|\b[0-9][0-9,]*(?:\.[0-9]{1,2})?\s?(?:gbp|usd|eur)\b`)
	toPattern      = regexp.MustCompile(`(?i)\bto\s+`)
	payeePattern   = regexp.MustCompile(`^([\p{L}][\p{L}\p{N} .'\-&]*?)(?:\s+(?:from|on|today|tomorrow|please)\b|\s*[,!?;]|\s*\.?\s*$)`)
)

// verbs that follow "to" without naming a payee ("I want to transfer").
var notPayee = []string{"transfer", "send", "pay", "move", "make", "do", "my", "the", "account"}

// Extract implements Extractor.
func (KeywordExtractor) Extract(ctx context.Context, utterance string, slotNames []string) (map[string]any, error) {
	out := make(map[string]any)
	want := func(name string) bool { return slices.Contains(slotNames, name) }

	if want(SlotAccountLabel) {
		if m := accountPattern.FindString(utterance); m != "" {
			out[SlotAccountLabel] = m
		}
	}
	if want(SlotAmount) {
		if m := amountPattern.FindString(utterance); m != "" {
			out[SlotAmount] = strings.TrimSpace(m)
		}
	}
	if want(SlotPayee) {
		if p := findPayee(utterance); p != "" {
			out[SlotPayee] = p
		}
	}
	slog.Debug("KeywordExtractor Extract", "candidates", len(out))
	return out, nil
}

// findPayee returns the name after the last "to" that is not followed by a verb.
func findPayee(utterance string) string {
	locs := toPattern.FindAllStringIndex(utterance, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		rest := utterance[locs[i][1]:]
		m := payeePattern.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		fields := strings.Fields(m[1])
		if len(fields) == 0 || slices.Contains(notPayee, strings.ToLower(fields[0])) {
			continue
		}
		name := strings.Join(fields, " ")
		return name
	}
	return ""
}

// entityExtractor is the part of genai.Client used for extraction.
type entityExtractor interface {
	ExtractEntities(ctx context.Context, utterance string, slotNames []string) (map[string]any, error)
}

// GenAIExtractor extracts slots with a language model.
type GenAIExtractor struct {
	client entityExtractor
}

// NewGenAIExtractor wraps a model client, typically a *genai.Client.
func NewGenAIExtractor(client entityExtractor) *GenAIExtractor {
	return &GenAIExtractor{client: client}
}

// Extract implements Extractor.
func (e *GenAIExtractor) Extract(ctx context.Context, utterance string, slotNames []string) (map[string]any, error) {
	return e.client.ExtractEntities(ctx, utterance, slotNames)
}
