package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
	"github.com/BTreeMap/SlotPipe/internal/store"
)

// methodNotAllowed writes a 405 with the Allow header set.
func methodNotAllowed(w http.ResponseWriter, r *http.Request, handler string, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	slog.Warn("Server method not allowed", "handler", handler, "method", r.Method, "path", r.URL.Path)
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// conversationID returns the trimmed {id} path value.
func conversationID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}

// messagesHandler runs one dialog turn (POST /conversations/{id}/messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "messagesHandler", http.MethodPost)
		return
	}
	id := conversationID(r)
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyConversationID.Error()))
		return
	}

	var req models.MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*models.MaxMessageBodyLength)).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.messagesHandler validation failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	resp := models.Response{MessageID: req.MessageID, From: id, Body: req.Text}
	result, err := s.respHandler.HandleInbound(r.Context(), id, resp)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "Failed to process message"
		if slot.IsInvalidState(err) {
			status = http.StatusConflict
			msg = "Conversation is not in a state that accepts this message"
		}
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	if result == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate message ignored", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// sessionHandler inspects (GET) or discards (DELETE) a conversation's session.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionHandler invoked", "method", r.Method, "path", r.URL.Path)
	id := conversationID(r)
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyConversationID.Error()))
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, err := s.dialog.Session(r.Context(), id)
		if err != nil {
			slog.Error("Server.sessionHandler failed to load session", "error", err, "conversationID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
			return
		}
		if info == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No active session"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(info))
	case http.MethodDelete:
		if err := s.dialog.Reset(r.Context(), id); err != nil {
			slog.Error("Server.sessionHandler failed to reset session", "error", err, "conversationID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
	default:
		methodNotAllowed(w, r, "sessionHandler", http.MethodGet, http.MethodDelete)
	}
}

// transfersHandler lists archived transfers (GET /transfers).
func (s *Server) transfersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "transfersHandler", http.MethodGet)
		return
	}
	transfers, err := s.st.ListTransfers()
	if err != nil {
		slog.Error("Server.transfersHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch transfers"))
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(transfers))
}

// transferHandler returns one transfer by reference (GET /transfers/{reference}).
// A leading '#' and lower-case letters are accepted.
func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "transferHandler", http.MethodGet)
		return
	}
	ref := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(r.PathValue("reference")), "#"))
	t, err := s.st.GetTransfer(ref)
	if errors.Is(err, store.ErrTransferNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Transfer not found"))
		return
	}
	if err != nil {
		slog.Error("Server.transferHandler failed", "error", err, "reference", ref)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch transfer"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// receiptsHandler returns outbound message receipts (GET /receipts).
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "receiptsHandler", http.MethodGet)
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("Server.receiptsHandler fetched receipts", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responsesHandler returns recorded inbound messages (GET /responses).
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "responsesHandler", http.MethodGet)
		return
	}
	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Server.responsesHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch responses"))
		return
	}
	slog.Debug("Server.responsesHandler fetched responses", "count", len(responses))
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

// twilioWebhookHandler forwards Twilio callbacks to the Twilio service.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Twilio backend not configured"))
		return
	}
	s.twilio.TwilioWebhookHandler(w, r)
}

// healthHandler reports liveness and store reachability.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "healthHandler", http.MethodGet)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"backend":   s.backend,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}
	statusCode := http.StatusOK
	if transfers, err := s.st.ListTransfers(); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to query store"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["transfers"] = len(transfers)
	}
	writeJSONResponse(w, statusCode, healthData)
}
