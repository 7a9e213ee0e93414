// Package testutil provides test helpers shared by SlotPipe packages.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

// Envelope mirrors models.APIResponse with the result left undecoded.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeEnvelope decodes an API response body and checks its status field.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if env.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, env.Status, env.Message)
	}
	return env
}

// AssertResponseCount validates the number of responses in store matches expected.
func AssertResponseCount(t *testing.T, st store.Store, expected int, context string) {
	t.Helper()
	responses, err := st.GetResponses()
	if err != nil {
		t.Fatalf("%s: failed to get responses: %v", context, err)
	}
	if len(responses) != expected {
		t.Errorf("%s: expected %d responses, got %d", context, expected, len(responses))
	}
}

// SeedFlowState stores a transfer flow state last updated at updatedAt.
func SeedFlowState(t *testing.T, st store.Store, conversationID, status string, updatedAt time.Time) {
	t.Helper()
	err := st.SaveFlowState(models.FlowState{
		ParticipantID: conversationID,
		FlowType:      models.FlowTypeTransfer,
		CurrentState:  models.StateType(status),
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
	})
	if err != nil {
		t.Fatalf("failed to seed flow state for %s: %v", conversationID, err)
	}
}

// SeedTestData adds sample receipts and responses to the store.
func SeedTestData(t *testing.T, st store.Store) {
	t.Helper()
	for _, receipt := range []models.Receipt{
		{To: "447700900001", Status: models.MessageStatusSent, Time: 1},
		{To: "447700900002", Status: models.MessageStatusDelivered, Time: 2},
	} {
		if err := st.AddReceipt(receipt); err != nil {
			t.Fatalf("failed to add test receipt: %v", err)
		}
	}
	for _, response := range []models.Response{
		{MessageID: "seed-1", From: "447700900001", Body: "transfer £20 to Alice", Time: 10},
		{MessageID: "seed-2", From: "447700900002", Body: "yes", Time: 20},
	} {
		if err := st.AddResponse(response); err != nil {
			t.Fatalf("failed to add test response: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
