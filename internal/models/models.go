// Package models defines the core data structures for SlotPipe.
//
// It includes message receipts, inbound responses, transfer records and the
// JSON envelope used by the HTTP API, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for an inbound turn
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyMessageText    = errors.New("text cannot be empty")
	ErrMessageTextTooLong  = errors.New("text exceeds maximum length")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// Receipt records an outbound message and its delivery status.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a conversation partner.
type Response struct {
	MessageID string `json:"message_id,omitempty"` // transport message id, used for dedup
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// MessageRequest is the payload for POST /conversations/{id}/messages.
type MessageRequest struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// Validate checks an inbound message request.
func (r *MessageRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyMessageText
	}
	if len(r.Text) > MaxMessageBodyLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// TransferStatus is the final state of a transfer conversation.
type TransferStatus string

const (
	// TransferStatusScheduled means the user confirmed and the transfer was accepted.
	TransferStatusScheduled TransferStatus = "scheduled"
	// TransferStatusCancelled means the user declined at confirmation.
	TransferStatusCancelled TransferStatus = "cancelled"
)

// Transfer is the archived record of a finished transfer conversation.
type Transfer struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Reference      string         `json:"reference,omitempty"`
	AccountLabel   string         `json:"account_label"`
	Amount         string         `json:"amount,omitempty"`
	Payee          string         `json:"payee,omitempty"`
	Status         TransferStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
