package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/BTreeMap/NutriPipe/internal/api"
	"github.com/BTreeMap/NutriPipe/internal/config"
	"github.com/BTreeMap/NutriPipe/internal/execlog"
	"github.com/BTreeMap/NutriPipe/internal/flow"
	"github.com/BTreeMap/NutriPipe/internal/genai"
	"github.com/BTreeMap/NutriPipe/internal/intent"
	"github.com/BTreeMap/NutriPipe/internal/lockfile"
	"github.com/BTreeMap/NutriPipe/internal/messaging"
	"github.com/BTreeMap/NutriPipe/internal/reasoner"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/telemetry"
	"github.com/BTreeMap/NutriPipe/internal/tools"
	"github.com/BTreeMap/NutriPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/NutriPipe/internal/whatsapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		os.Exit(2)
	}
	applyFlags(&cfg, flags)

	slog.SetDefault(slog.New(newLogHandler(os.Stdout, cfg.LogFormat, cfg.LogLevel)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("NutriPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("NutriPipe exited successfully")
}

// Flags holds command line flag values. Empty values keep the environment.
type Flags struct {
	qrOutput  string
	numeric   bool
	stateDir  string
	dbDSN     string
	openaiKey string
	apiAddr   string
	whatsapp  bool
}

// parseCommandLineFlags parses args with cfg values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg config.Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&f.stateDir, "state-dir", cfg.StateDir, "state directory for NutriPipe data (overrides $NUTRIPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.apiAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.BoolVar(&f.whatsapp, "whatsapp", cfg.WhatsAppEnabled, "connect the WhatsApp device transport (overrides $WHATSAPP_ENABLED)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	slog.Debug("flags parsed",
		"stateDir", f.stateDir,
		"dbDSN_set", f.dbDSN != "",
		"openaiKeySet", f.openaiKey != "",
		"apiAddr", f.apiAddr,
		"whatsapp", f.whatsapp)
	return f, nil
}

// applyFlags folds flag overrides into cfg. A new state dir moves the
// default database files with it.
func applyFlags(cfg *config.Config, f Flags) {
	if f.stateDir != "" && f.stateDir != cfg.StateDir {
		oldDB := filepath.Join(cfg.StateDir, config.DefaultDBFileName)
		oldWA := filepath.Join(cfg.StateDir, config.DefaultWhatsAppDBFileName)
		if cfg.DatabaseURL == oldDB {
			cfg.DatabaseURL = filepath.Join(f.stateDir, config.DefaultDBFileName)
		}
		if cfg.WhatsAppDBDSN == oldWA {
			cfg.WhatsAppDBDSN = filepath.Join(f.stateDir, config.DefaultWhatsAppDBFileName)
		}
		cfg.StateDir = f.stateDir
	}
	if f.dbDSN != "" {
		cfg.DatabaseURL = f.dbDSN
	}
	cfg.OpenAIKey = f.openaiKey
	cfg.APIAddr = f.apiAddr
	cfg.WhatsAppEnabled = f.whatsapp
}

// newLogHandler builds the slog handler selected by LOG_FORMAT and LOG_LEVEL.
func newLogHandler(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

// ensureDirectoriesExist creates the parent directories of file-based databases.
func ensureDirectoriesExist(cfg config.Config) error {
	dirs := []string{cfg.StateDir}
	if cfg.SQLite() {
		dirs = append(dirs, filepath.Dir(cfg.DatabaseURL))
	}
	if cfg.WhatsAppEnabled && store.DetectDSNType(cfg.WhatsAppDBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(cfg.WhatsAppDBDSN, "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg config.Config, f Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDBDSN)}
	if f.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(f.qrOutput))
	}
	if f.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg config.Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIURL))
	}
	return append(genaiOpts, genai.WithStateDir(cfg.StateDir))
}

// buildOrchestrator wires the turn pipeline. Without a model client the
// classifier and reasoner stay unset and the orchestrator answers from its
// deterministic paths only.
func buildOrchestrator(cfg config.Config, st store.Store, execLog flow.ExecutionLogger) (*flow.Orchestrator, error) {
	deps := tools.Deps{Store: st}
	flowDeps := flow.Deps{Store: st}

	client, err := genai.NewClient(buildGenAIOptions(cfg)...)
	switch {
	case errors.Is(err, genai.ErrAPIKeyMissing):
		slog.Warn("buildOrchestrator: no OpenAI API key, running without classifier and reasoner")
	case err != nil:
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	default:
		deps.Estimator = tools.NewGenAIEstimator(client)
		deps.Parser = tools.NewGenAIRecipeParser(client)
		flowDeps.Classifier = intent.NewClassifier(client)
	}

	registry := tools.NewRegistry(deps)
	flowDeps.Tools = registry
	if client != nil {
		flowDeps.Reasoner = reasoner.New(client, registry, reasoner.WithHistoryLimit(cfg.HistoryLimit))
	}

	var opts []flow.Option
	if execLog != nil {
		opts = append(opts, flow.WithExecutionLogger(execLog))
	}
	opts = append(opts, flow.WithHistoryLimit(cfg.HistoryLimit))
	return flow.NewOrchestrator(flowDeps, opts...)
}

// newExecutionLogger writes records to the store and, when a bucket is
// configured, to S3.
func newExecutionLogger(ctx context.Context, cfg config.Config, st store.ExecutionStore) (*execlog.Logger, error) {
	sinks := []execlog.Sink{execlog.NewStoreSink(st)}
	if cfg.ExecLogS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		sinks = append(sinks, execlog.NewS3Sink(s3.NewFromConfig(awsCfg), cfg.ExecLogS3Bucket, cfg.ExecLogS3Prefix))
		slog.Info("newExecutionLogger: archiving execution records to S3", "bucket", cfg.ExecLogS3Bucket, "prefix", cfg.ExecLogS3Prefix)
	}
	return execlog.NewLogger(sinks, execlog.WithBuffer(cfg.ExecLogBuffer)), nil
}

// buildTransports connects the configured chat transports. The returned
// options enable the Twilio webhook when Twilio is configured.
func buildTransports(ctx context.Context, cfg config.Config, f Flags) ([]messaging.Service, []api.Option, error) {
	var services []messaging.Service
	var apiOpts []api.Option

	if cfg.TwilioEnabled() {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		services = append(services, svc)
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc, twiliowhatsapp.NewValidator(cfg.TwilioAuthToken, cfg.TwilioWebhookURL)))
		if cfg.TwilioWebhookURL == "" {
			slog.Warn("buildTransports: TWILIO_WEBHOOK_URL unset, webhook signatures are checked against the request URL")
		}
	}

	if cfg.WhatsAppEnabled {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, f)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		services = append(services, messaging.NewWhatsAppService(client))
	}
	return services, apiOpts, nil
}

func run(ctx context.Context, cfg config.Config, f Flags) error {
	slog.Debug("Final configuration", "state_dir", cfg.StateDir, "sqlite", cfg.SQLite(), "api_addr", cfg.APIAddr,
		"twilio", cfg.TwilioEnabled(), "whatsapp", cfg.WhatsAppEnabled)

	if err := ensureDirectoriesExist(cfg); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	telCfg, err := telemetry.LoadConfig()
	if err != nil {
		return err
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("run: telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	execLog, err := newExecutionLogger(ctx, cfg, st)
	if err != nil {
		return err
	}
	orch, err := buildOrchestrator(cfg, st, execLog)
	if err != nil {
		execLog.Close(context.Background())
		return err
	}

	services, apiOpts, err := buildTransports(ctx, cfg, f)
	if err != nil {
		execLog.Close(context.Background())
		return err
	}
	apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr), api.WithExecutionLog(execLog))
	if len(services) > 0 {
		apiOpts = append(apiOpts, api.WithBridge(messaging.NewBridge(orch, services, messaging.WithDedup(st))))
	}

	slog.Info("Bootstrapping NutriPipe", "transports", len(services))
	return api.NewServer(orch, st, apiOpts...).Run(ctx)
}
