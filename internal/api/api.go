// Package api provides the HTTP server and the process bootstrap for SlotPipe.
//
// It exposes the transfer conversation over REST, receives Twilio webhooks and
// wires the store, extractor, dialog, messaging backend and session sweeper.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SlotPipe/internal/flow"
	"github.com/BTreeMap/SlotPipe/internal/genai"
	"github.com/BTreeMap/SlotPipe/internal/messaging"
	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/scheduler"
	"github.com/BTreeMap/SlotPipe/internal/store"
	"github.com/BTreeMap/SlotPipe/internal/transfer"
	"github.com/BTreeMap/SlotPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SlotPipe/internal/whatsapp"
)

// Messaging backends accepted by WithMessagingBackend.
const (
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
	BackendNone     = "none"
)

const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// readHeaderTimeout guards against slow-header clients.
	readHeaderTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	MessagingBackend string
	SessionTTL       time.Duration
	SweepSchedule    string
	ProcessingDelay  *time.Duration
	TwilioAuthToken  string
	TwilioWebhookURL string
	Extractor        flow.Extractor
}

// Option defines a function that modifies API server options.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessagingBackend selects whatsapp, twilio or none.
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.MessagingBackend = backend }
}

// WithSessionTTL sets how long an idle session survives.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

// WithSweepSchedule sets the cron expression of the session sweeper.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// WithProcessingDelay sets the pause before a confirmed transfer is scheduled.
func WithProcessingDelay(d time.Duration) Option {
	return func(o *Opts) { o.ProcessingDelay = &d }
}

// WithTwilioWebhookValidation enables X-Twilio-Signature checks for the public webhook URL.
func WithTwilioWebhookValidation(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = publicURL
	}
}

// WithExtractor overrides the entity extractor used on the first turn.
func WithExtractor(e flow.Extractor) Option {
	return func(o *Opts) { o.Extractor = e }
}

func resolveOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:             DefaultServerAddress,
		MessagingBackend: BackendNone,
		SessionTTL:       scheduler.DefaultSessionTTL,
		SweepSchedule:    scheduler.DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	if cfg.Extractor == nil {
		cfg.Extractor = flow.KeywordExtractor{}
	}
	return cfg
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st          store.Store
	msgService  messaging.Service
	respHandler *messaging.ResponseHandler
	dialog      *flow.Dialog
	twilio      *messaging.TwilioService
	backend     string
	startedAt   time.Time
}

// NewServer wires the transfer dialog over st and msgService.
func NewServer(st store.Store, msgService messaging.Service, opts ...Option) *Server {
	cfg := resolveOpts(opts)

	prompter := messaging.NewPrompter(msgService)
	execOpts := []transfer.Option{transfer.WithTypingIndicator(prompter)}
	if cfg.ProcessingDelay != nil {
		execOpts = append(execOpts, transfer.WithProcessingDelay(*cfg.ProcessingDelay))
	}
	transferFlow := flow.TransferFlow()
	dialog := flow.NewDialog(
		transferFlow,
		flow.NewStoreSessionStore(st, transferFlow),
		flow.WithExtractor(cfg.Extractor),
		flow.WithPrompter(prompter),
		flow.WithActuator(transfer.NewExecutor(st, execOpts...)),
	)

	s := &Server{
		st:          st,
		msgService:  msgService,
		respHandler: messaging.NewResponseHandler(msgService, dialog, st),
		dialog:      dialog,
		backend:     cfg.MessagingBackend,
		startedAt:   time.Now(),
	}
	if ts, ok := msgService.(*messaging.TwilioService); ok {
		s.twilio = ts
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/{id}/messages", s.messagesHandler)
	mux.HandleFunc("/conversations/{id}/session", s.sessionHandler)
	mux.HandleFunc("/transfers", s.transfersHandler)
	mux.HandleFunc("/transfers/{reference}", s.transferHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/responses", s.responsesHandler)
	mux.HandleFunc("/webhooks/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run opens the store, starts the configured messaging backend, the session
// sweeper and the HTTP server, and blocks until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := resolveOpts(apiOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("API Run failed to close store", "error", err)
		}
	}()

	msgService, err := newMessagingService(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}

	if len(genaiOpts) > 0 {
		if client, err := genai.NewClient(genaiOpts...); err != nil {
			slog.Warn("API Run GenAI client unavailable, using keyword extraction", "error", err)
		} else {
			apiOpts = append(apiOpts, WithExtractor(flow.NewGenAIExtractor(client)))
			slog.Info("API Run using GenAI entity extraction")
		}
	}
	srv := NewServer(st, msgService, apiOpts...)

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	srv.respHandler.Start(ctx)

	sched := scheduler.NewScheduler()
	sweeper := scheduler.NewSessionSweeper(st, string(models.FlowTypeTransfer), cfg.SessionTTL)
	if err := sched.AddJob(cfg.SweepSchedule, sweeper.Run); err != nil {
		msgService.Stop()
		return fmt.Errorf("failed to schedule session sweeper: %w", err)
	}
	sched.Start()
	slog.Info("API Run session sweeper scheduled", "schedule", cfg.SweepSchedule, "ttl", sweeper.TTL())

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("SlotPipe API listening", "addr", cfg.Addr, "backend", cfg.MessagingBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("SlotPipe API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API Run HTTP shutdown failed", "error", err)
		}
		<-sched.Stop().Done()
		if err := msgService.Stop(); err != nil {
			slog.Error("API Run messaging stop failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// newMessagingService builds the configured transport.
func newMessagingService(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, error) {
	switch cfg.MessagingBackend {
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioAuthToken != "" && cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("Twilio webhook signature validation disabled; set a public webhook URL to enable it")
		}
		return messaging.NewTwilioService(client, opts...), nil
	case BackendNone, "":
		return messaging.NewNullService(), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q (want %s, %s or %s)", cfg.MessagingBackend, BackendWhatsApp, BackendTwilio, BackendNone)
	}
}
