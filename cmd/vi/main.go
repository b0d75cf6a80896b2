package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"
	cli "github.com/spf13/pflag"

	viconfig "github.com/voicetyped/vi/config"
	"github.com/voicetyped/vi/internal/connectutil"
	"github.com/voicetyped/vi/internal/control"
	"github.com/voicetyped/vi/internal/faultlog"
	"github.com/voicetyped/vi/internal/runtime"
	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/speech"
	"github.com/voicetyped/vi/pkg/webhook"

	// Command handlers.
	_ "github.com/voicetyped/vi/internal/handlers/assistant"
	_ "github.com/voicetyped/vi/internal/handlers/snapshot"
	_ "github.com/voicetyped/vi/internal/handlers/webhook"

	// Speech backends.
	_ "github.com/voicetyped/vi/internal/speech/backends/bridge"
	_ "github.com/voicetyped/vi/internal/speech/backends/command"
	_ "github.com/voicetyped/vi/internal/speech/backends/console"
	_ "github.com/voicetyped/vi/internal/speech/backends/elevenlabs"
	_ "github.com/voicetyped/vi/internal/speech/backends/openai"
	_ "github.com/voicetyped/vi/internal/speech/backends/piper"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "env file loaded before the configuration")
	logLevel := cli.StringP("log", "l", "info", "log level: debug, info, warn or error")
	dialogName := cli.StringP("dialog", "d", "", "dialog to run, overrides DEFAULT_DIALOG")
	dialogDir := cli.String("dialogs", "", "dialog directory, overrides DIALOG_DIR")
	cli.Parse()

	level, ok := logLevels[*logLevel]
	if !ok {
		level = slog.LevelInfo
	}
	// Logs go to stderr; the console backend owns stdout.
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("env file not loaded", "file", *envFile, "err", err)
	}

	ctx := context.Background()
	cfg, err := config.LoadWithOIDC[viconfig.AssistantConfig](ctx)
	if err != nil {
		fatal("loading config", err)
	}
	if *dialogName != "" {
		cfg.DefaultDialog = *dialogName
	}
	if *dialogDir != "" {
		cfg.DialogDir = *dialogDir
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	opts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("vi"),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	}
	if cfg.FaultLogPersist {
		opts = append(opts, frame.WithDatastore())
	}
	ctx, srv := frame.NewService(opts...)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		fatal("getting worker pool", err)
	}
	pub := events.NewPublisher(srv.QueueManager(), "vi", eventRef)

	// Fault log and webhook delivery history share the datastore.
	var (
		faultStore faultlog.Store
		recorder   webhook.Recorder
	)
	if cfg.FaultLogPersist {
		dbPool := srv.DatastoreManager().GetPool(ctx, "__default__pool_name__")
		faultRepo := faultlog.NewRepository(dbPool)
		if err := faultRepo.Migrate(ctx); err != nil {
			fatal("migrating fault log", err)
		}
		whRepo := webhook.NewRepository(dbPool)
		if err := whRepo.Migrate(ctx); err != nil {
			fatal("migrating webhook history", err)
		}
		faultStore, recorder = faultRepo, whRepo
	}
	faults := faultlog.New(cfg.FaultLogCapacity, faultStore)

	rec, synth, player, err := speechBackends(&cfg)
	if err != nil {
		fatal("creating speech backends", err)
	}

	rt := runtime.New(runtime.Config{
		DialogDir:           cfg.DialogDir,
		DefaultDialog:       cfg.DefaultDialog,
		Locale:              cfg.Locale,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		RejectionThreshold:  cfg.RejectionThreshold,
		SpeechMaxAge:        viconfig.Ms(cfg.SpeechMaxAgeMs),
		TickInterval:        viconfig.Ms(cfg.HandlerTickIntervalMs),
		ShutdownTimeout:     viconfig.Ms(cfg.HandlerShutdownTimeoutMs),
		RandomSeed:          cfg.RandomSeed,
		SnapshotPath:        cfg.SnapshotPath,
	},
		runtime.WithSpeech(rec, synth, player),
		runtime.WithPublisher(pub),
		runtime.WithWorkerPool(pool),
		runtime.WithFaultLog(faults),
	)

	controlOpts, err := connectutil.ControlOptions(ctx, srv.SecurityManager().GetAuthenticator(ctx), cfg.ControlAuthEnabled)
	if err != nil {
		fatal("setting up control interceptors", err)
	}
	mux := http.NewServeMux()
	path, h := control.NewHandler(control.NewService(rt), controlOpts...)
	mux.Handle(path, h)

	initOpts := []frame.Option{frame.WithHTTPHandler(connectutil.H2CHandler(mux))}
	endpoints, err := webhook.ParseEndpoints(cfg.EventWebhookURLs, cfg.EventWebhookSecret, cfg.EventWebhookTypes)
	if err != nil {
		fatal("parsing event webhooks", err)
	}
	if len(endpoints) > 0 {
		deliverer := webhook.NewDeliverer(recorder, webhook.DelivererConfig{
			MaxRetries:        cfg.WebhookMaxRetries,
			TimeoutSec:        cfg.WebhookTimeoutSec,
			BackoffInitialSec: cfg.WebhookBackoffSec,
			BackoffMaxSec:     cfg.WebhookBackoffMax,
			CBFailThreshold:   cfg.CBFailThreshold,
			CBResetTimeoutSec: cfg.CBResetTimeoutSec,
		}, pool)
		sub := &webhook.Subscriber{Endpoints: endpoints, Deliverer: deliverer, Pool: pool}
		initOpts = append(initOpts, frame.WithRegisterSubscriber(eventRef+".webhooks", eventURL, sub))
	}
	srv.Init(ctx, initOpts...)

	rtCtx, rtCancel := context.WithCancel(ctx)
	rtDone := make(chan error, 1)
	go func() {
		err := rt.Run(rtCtx)
		if err != nil {
			slog.ErrorContext(ctx, "assistant stopped", "err", err)
			srv.Stop(ctx)
		}
		rtDone <- err
	}()

	runErr := srv.Run(ctx, "")
	rtCancel()
	rtErr := <-rtDone
	if runErr != nil || rtErr != nil {
		fatal("service exited", errors.Join(runErr, rtErr))
	}
}

// speechBackends creates the configured backends. "none" or an empty name
// leaves that backend unset.
func speechBackends(cfg *viconfig.AssistantConfig) (speech.Recognizer, speech.Synthesizer, speech.Player, error) {
	var (
		rec    speech.Recognizer
		synth  speech.Synthesizer
		player speech.Player
		err    error
	)
	if name := cfg.RecognizerBackend; enabled(name) {
		if rec, err = registry.Recognizers.Create(name, cfg.BackendConfig(name)); err != nil {
			return nil, nil, nil, err
		}
	}
	if name := cfg.VoiceBackend; enabled(name) {
		if synth, err = registry.Synthesizers.Create(name, cfg.BackendConfig(name)); err != nil {
			return nil, nil, nil, err
		}
	}
	if name := cfg.Player(); enabled(name) && synth != nil {
		if player, err = registry.Players.Create(name, cfg.BackendConfig(name)); err != nil {
			return nil, nil, nil, err
		}
	}
	slog.Info("speech backends ready",
		"recognizer", cfg.RecognizerBackend, "voice", cfg.VoiceBackend, "player", cfg.Player())
	return rec, synth, player, nil
}

func enabled(name string) bool { return name != "" && name != "none" }

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
