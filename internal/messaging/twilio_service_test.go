package messaging

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/twiliowhatsapp"
)

func postForm(handler http.HandlerFunc, form url.Values, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestTwilioWebhook_InboundMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.TwilioWebhookHandler, url.Values{
		"From":       {"whatsapp:+447700900123"},
		"Body":       {"transfer £20 to Bob"},
		"MessageSid": {"SM123"},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected TwiML content type, got %q", ct)
	}
	select {
	case resp := <-svc.Responses():
		if resp.From != "447700900123" || resp.MessageID != "SM123" || resp.Body != "transfer £20 to Bob" {
			t.Errorf("unexpected response %+v", resp)
		}
	default:
		t.Fatal("expected a response to be emitted")
	}
}

func TestTwilioWebhook_MissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+447700900123"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhook_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.TwilioWebhookHandler, url.Values{
		"MessageStatus": {"delivered"},
		"To":            {"whatsapp:+447700900123"},
		"MessageSid":    {"SM124"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusDelivered || r.To != "447700900123" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
}

func TestTwilioWebhook_SignatureRequired(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithWebhookValidation("secret", "https://example.com/webhooks/twilio"))
	rec := postForm(svc.TwilioWebhookHandler, url.Values{
		"From": {"whatsapp:+447700900123"},
		"Body": {"hi"},
	}, map[string]string{"X-Twilio-Signature": "bogus"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
