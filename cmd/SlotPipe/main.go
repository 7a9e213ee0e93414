// Command SlotPipe runs the guided money-transfer conversation service.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/SlotPipe/internal/api"
	"github.com/BTreeMap/SlotPipe/internal/genai"
	"github.com/BTreeMap/SlotPipe/internal/lockfile"
	"github.com/BTreeMap/SlotPipe/internal/scheduler"
	"github.com/BTreeMap/SlotPipe/internal/store"
	"github.com/BTreeMap/SlotPipe/internal/transfer"
	"github.com/BTreeMap/SlotPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SlotPipe/internal/util"
	"github.com/BTreeMap/SlotPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SlotPipe state data
	DefaultStateDir = "/var/lib/slotpipe"
	// DefaultAppDBFileName is the default SQLite database for sessions and transfers
	DefaultAppDBFileName = "slotpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	config := loadEnvironmentConfig()
	initializeLogger(config.Debug)

	flags, err := parseCommandLineFlags(flag.NewFlagSet("SlotPipe", flag.ContinueOnError), args, config)
	if err != nil {
		slog.Error("Failed to parse command line flags", "error", err)
		return 2
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		return 1
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		return 1
	}
	defer lock.Release()

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping SlotPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("SlotPipe failed to run", "error", err)
		return 1
	}
	slog.Info("SlotPipe exited successfully")
	return 0
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	MessagingBackend string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string
	SessionTTL       time.Duration
	SweepSchedule    string
	ProcessingDelay  time.Duration
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	whatsappDBDSN    *string
	appDBDSN         *string
	openaiKey        *string
	openaiModel      *string
	apiAddr          *string
	messagingBackend *string
	twilioSID        *string
	twilioToken      *string
	twilioFrom       *string
	twilioWebhookURL *string
	sessionTTL       *time.Duration
	sweepSchedule    *string
	processingDelay  *time.Duration
}

// initializeLogger sets up structured logging; debug output is enabled by SLOTPIPE_DEBUG.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("SLOTPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		MessagingBackend: strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_BACKEND"))),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", scheduler.DefaultSessionTTL),
		SweepSchedule:    os.Getenv("SESSION_SWEEP_SCHEDULE"),
		ProcessingDelay:  util.ParseDurationEnv("TRANSFER_PROCESSING_DELAY", transfer.DefaultProcessingDelay),
		Debug:            util.ParseBoolEnv("SLOTPIPE_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.MessagingBackend == "" {
		config.MessagingBackend = api.BackendNone
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = scheduler.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"SLOTPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"SESSION_TTL", config.SessionTTL,
		"SESSION_SWEEP_SCHEDULE", config.SweepSchedule,
		"TRANSFER_PROCESSING_DELAY", config.ProcessingDelay)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Database DSNs
// that were derived from the state directory follow a -state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:         fs.String("qr-output", "", "path to write login QR code"),
		numeric:          fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for SlotPipe data (overrides $SLOTPIPE_STATE_DIR)"),
		whatsappDBDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI model for entity extraction (overrides $OPENAI_MODEL)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		messagingBackend: fs.String("messaging-backend", config.MessagingBackend, "whatsapp, twilio or none (overrides $MESSAGING_BACKEND)"),
		twilioSID:        fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:      fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:       fs.String("twilio-from", config.TwilioFromNumber, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioWebhookURL: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public URL of /webhooks/twilio, enables signature checks (overrides $TWILIO_WEBHOOK_URL)"),
		sessionTTL:       fs.Duration("session-ttl", config.SessionTTL, "idle session lifetime (overrides $SESSION_TTL)"),
		sweepSchedule:    fs.String("session-sweep-schedule", config.SweepSchedule, "cron schedule of the session sweeper (overrides $SESSION_SWEEP_SCHEDULE)"),
		processingDelay:  fs.Duration("transfer-processing-delay", config.ProcessingDelay, "pause before a transfer is scheduled (overrides $TRANSFER_PROCESSING_DELAY)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated database DSNs for state directory override", "state_dir", *flags.stateDir)
	}

	switch *flags.messagingBackend {
	case api.BackendWhatsApp, api.BackendTwilio, api.BackendNone:
	default:
		return Flags{}, fmt.Errorf("invalid messaging backend %q", *flags.messagingBackend)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"messagingBackend", *flags.messagingBackend,
		"openaiKeySet", *flags.openaiKey != "",
		"sessionTTL", *flags.sessionTTL,
		"sweepSchedule", *flags.sweepSchedule,
		"processingDelay", *flags.processingDelay)
	return flags, nil
}

// sqliteDir returns the directory of a file-based DSN, or "" for PostgreSQL.
func sqliteDir(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates the directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if flags.appDBDSN != nil {
		dirs = append(dirs, sqliteDir(*flags.appDBDSN))
	}
	if flags.whatsappDBDSN != nil && flags.messagingBackend != nil && *flags.messagingBackend == api.BackendWhatsApp {
		dirs = append(dirs, sqliteDir(*flags.whatsappDBDSN))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	if *flags.twilioWebhookURL != "" {
		opts = append(opts, twiliowhatsapp.WithStatusCallback(*flags.twilioWebhookURL))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
	} else {
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
		if flags.openaiModel != nil && *flags.openaiModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
		}
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	apiOpts = append(apiOpts,
		api.WithMessagingBackend(*flags.messagingBackend),
		api.WithSessionTTL(*flags.sessionTTL),
		api.WithSweepSchedule(*flags.sweepSchedule),
		api.WithProcessingDelay(*flags.processingDelay),
	)
	if *flags.twilioWebhookURL != "" && *flags.twilioToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookValidation(*flags.twilioToken, *flags.twilioWebhookURL))
	}
	return apiOpts
}
