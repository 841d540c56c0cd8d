package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/zulandar/mathreel/internal/artifact"
	"github.com/zulandar/mathreel/internal/config"
	"github.com/zulandar/mathreel/internal/db"
	"github.com/zulandar/mathreel/internal/dispatch"
	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/notify"
	"github.com/zulandar/mathreel/internal/notify/discord"
	"github.com/zulandar/mathreel/internal/notify/slack"
	"github.com/zulandar/mathreel/internal/pipeline"
	"github.com/zulandar/mathreel/internal/render"
	"github.com/zulandar/mathreel/internal/review"
	"github.com/zulandar/mathreel/internal/telemetry"
)

// app is everything a command needs, built once from config and the
// environment.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *gorm.DB
	store      *artifact.GormStore
	orch       *pipeline.Orchestrator
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
	closers    []io.Closer
}

func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	for _, c := range a.closers {
		c.Close()
	}
}

// closerFunc adapts a shutdown hook to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig reads the config file. The default path may be absent, in
// which case built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// openStore connects the database and blob store without building any
// remote clients.
func openStore(ctx context.Context, cfg *config.Config, secrets config.Secrets) (*gorm.DB, *artifact.GormStore, io.Closer, error) {
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, nil, err
	}

	var blobs artifact.BlobStore
	var closer io.Closer
	switch cfg.Blob.Backend {
	case "gcs":
		gcs, err := artifact.NewGCSBlobStore(ctx, cfg.Blob.Bucket, cfg.Blob.PublicBaseURL,
			artifact.GCSClientOptions(cfg.Blob.CredentialsFile, secrets.BlobAccessToken)...)
		if err != nil {
			return nil, nil, nil, err
		}
		blobs, closer = gcs, gcs
	default:
		local, err := artifact.NewLocalBlobStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		blobs = local
	}
	return gormDB, artifact.NewStore(gormDB, blobs), closer, nil
}

// buildApp wires the full pipeline: store, generator, renderer, reviewer,
// notifiers, metrics and dispatcher.
func buildApp(ctx context.Context, g *globalFlags, logOut io.Writer) (_ *app, err error) {
	logger, err := newLogger(logOut, g.logLevel)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	secrets := cfg.SecretsFromEnv(os.Getenv)

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version, logOut)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closerFunc(func() error {
		return shutdown(context.Background())
	}))

	gormDB, store, closer, err := openStore(ctx, cfg, secrets)
	if err != nil {
		return nil, err
	}
	a.db, a.store = gormDB, store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	prompts, err := generate.LoadPrompts(cfg.Generator.PromptsDir)
	if err != nil {
		return nil, err
	}
	gen, err := generate.NewOpenAIGenerator(generate.OpenAIOpts{
		BaseURL: cfg.Generator.BaseURL,
		APIKey:  secrets.GeneratorAPIKey,
		Models: generate.ModelsFor(
			cfg.Generator.AnalysisModel,
			cfg.Generator.ScriptModel,
			cfg.Generator.PlanModel,
			cfg.Generator.CodeModel,
		),
		TextTemperature:  cfg.Generator.TextTemperature,
		CodeTemperature:  cfg.Generator.CodeTemperature,
		MaxTokens:        cfg.Generator.MaxTokens,
		MaxResponseBytes: cfg.Generator.MaxResponseBytes,
		Prompts:          prompts,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	renderer := render.NewManimRenderer(render.ManimOpts{
		Python:          cfg.Render.Python,
		WorkDir:         cfg.Render.WorkDir,
		Timeout:         cfg.RenderTimeout(),
		DefaultScene:    cfg.Render.DefaultScene,
		SceneBase:       cfg.Render.SceneBase,
		StderrTail:      cfg.Render.StderrTail,
		SkipSyntaxCheck: cfg.Render.SkipSyntaxCheck,
		Logger:          logger,
	})

	reviewer, err := review.NewGeminiReviewer(ctx, review.GeminiOpts{
		APIKey:          secrets.ReviewAPIKey,
		Model:           cfg.Review.Model,
		Threshold:       cfg.Review.Threshold,
		MaxVideoBytes:   cfg.MaxVideoBytes(),
		Timeout:         cfg.ReviewTimeout(),
		MaxOutputTokens: int32(cfg.Review.MaxOutputTokens),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg, secrets, logger)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orch, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Generator: gen,
		Renderer:  renderer,
		Reviewer:  reviewer,
		Notifier:  notifier,
		Metrics:   pipeline.NewMetrics(a.registry),
		Logger:    logger,
	}, pipeline.PolicyFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	a.orch = orch
	a.dispatcher = dispatch.New(orch, cfg.Dispatch.MaxConcurrent, logger)
	return a, nil
}

// buildNotifier enables each chat adapter that has both a channel and a
// token.
func buildNotifier(cfg *config.Config, secrets config.Secrets, logger *slog.Logger) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Notify.SlackChannel != "" && secrets.SlackToken != "" {
		n, err := slack.New(slack.Opts{Token: secrets.SlackToken, Channel: cfg.Notify.SlackChannel})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if cfg.Notify.DiscordChannel != "" && secrets.DiscordToken != "" {
		n, err := discord.New(discord.Opts{Token: secrets.DiscordToken, ChannelID: cfg.Notify.DiscordChannel})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return notify.Nop{}, nil
	}
	names := make([]string, 0, len(multi))
	for _, n := range multi {
		names = append(names, fmt.Sprintf("%T", n))
	}
	logger.Info("notifications enabled", "adapters", strings.Join(names, ","))
	return multi, nil
}
