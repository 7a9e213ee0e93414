package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SlotPipe/internal/models"
)

// NullService is used when conversations only arrive over the HTTP API. Outbound
// messages are logged and receipted but delivered nowhere.
type NullService struct {
	*eventChannels
}

// NewNullService creates a NullService.
func NewNullService() *NullService {
	return &NullService{eventChannels: newEventChannels("NullService")}
}

// ValidateAndCanonicalizeRecipient accepts any non-blank identifier.
func (s *NullService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return r, nil
}

func (s *NullService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	slog.Debug("NullService SendMessage", "to", to, "body_length", len(body))
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *NullService) SendTyping(ctx context.Context, to string, typing bool) error {
	return nil
}

func (s *NullService) Start(ctx context.Context) error {
	return nil
}

func (s *NullService) Stop() error {
	s.close()
	return nil
}

func (s *NullService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *NullService) Responses() <-chan models.Response {
	return s.responses
}
