package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/flow"
	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/store"
	"github.com/BTreeMap/SlotPipe/internal/util"
)

// DefaultErrorMessage is sent when a turn fails for reasons the user cannot fix.
const DefaultErrorMessage = "⚠️ We encountered an issue processing your message. Please try again later."

// TurnHandler applies one inbound message to a conversation. *flow.Dialog implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, text string) (flow.TurnResult, error)
}

// ResponseHandler routes inbound messages to the dialog, drops redeliveries and
// records responses and receipts in the store.
type ResponseHandler struct {
	msgService   Service
	turns        TurnHandler
	store        store.Store
	errorMessage string
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(msgService Service, turns TurnHandler, st store.Store) *ResponseHandler {
	return &ResponseHandler{
		msgService:   msgService,
		turns:        turns,
		store:        st,
		errorMessage: DefaultErrorMessage,
	}
}

// ProcessResponse handles a message received from the messaging service. The
// sender's canonical phone number is the conversation id.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = canonicalFrom

	if _, err := rh.HandleInbound(ctx, canonicalFrom, response); err != nil {
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, rh.errorMessage); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return err
	}
	return nil
}

// HandleInbound runs one turn for conversationID. It returns nil, nil when the
// message id was already processed. A failed turn releases the message id so a
// redelivery is retried.
func (rh *ResponseHandler) HandleInbound(ctx context.Context, conversationID string, response models.Response) (*flow.TurnResult, error) {
	if response.MessageID == "" {
		response.MessageID = util.GenerateMessageID()
	}
	if response.Time == 0 {
		response.Time = time.Now().Unix()
	}

	first, err := rh.store.RecordInbound(response.MessageID, conversationID)
	if err != nil {
		slog.Error("ResponseHandler dedup check failed", "error", err, "messageID", response.MessageID)
		return nil, fmt.Errorf("record inbound message: %w", err)
	}
	if !first {
		slog.Info("ResponseHandler dropping duplicate message", "conversationID", conversationID, "messageID", response.MessageID)
		return nil, nil
	}

	if err := rh.store.AddResponse(response); err != nil {
		slog.Error("ResponseHandler failed to record response", "error", err, "conversationID", conversationID)
	}

	result, err := rh.turns.HandleTurn(ctx, conversationID, response.Body)
	if err != nil {
		slog.Error("ResponseHandler turn failed", "error", err, "conversationID", conversationID)
		if relErr := rh.store.ReleaseInbound(response.MessageID); relErr != nil {
			slog.Warn("ResponseHandler failed to release inbound message", "error", relErr, "messageID", response.MessageID)
		}
		return nil, fmt.Errorf("handle turn: %w", err)
	}

	if err := rh.store.MarkProcessed(response.MessageID); err != nil {
		slog.Warn("ResponseHandler failed to mark message processed", "error", err, "messageID", response.MessageID)
	}
	slog.Info("ResponseHandler turn handled", "conversationID", conversationID, "status", result.Status, "replies", len(result.Replies))
	return &result, nil
}

// Start consumes the service's responses and receipts until ctx is done or the
// channels close.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case receipt, ok := <-rh.msgService.Receipts():
				if !ok {
					return
				}
				if err := rh.store.AddReceipt(receipt); err != nil {
					slog.Error("ResponseHandler failed to record receipt", "error", err, "to", receipt.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
