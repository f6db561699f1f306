package main

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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/crowstack/callbridge/internal/config"
	"github.com/crowstack/callbridge/internal/fanout"
	"github.com/crowstack/callbridge/internal/server"
	"github.com/crowstack/callbridge/pkg/call"
	openaiengine "github.com/crowstack/callbridge/pkg/engine/openai"
	"github.com/crowstack/callbridge/pkg/escalation"
	"github.com/crowstack/callbridge/pkg/session"
	"github.com/crowstack/callbridge/pkg/telephony"
	"github.com/crowstack/callbridge/pkg/version"
	"github.com/crowstack/callbridge/pkg/worker"
)

var rootCmd = &cobra.Command{
	Use:   "callbridge",
	Short: "Callbridge - phone call orchestration over a conversational engine",
	Long: `callbridge answers inbound phone calls, streams the caller's audio
through a conversational engine, and escalates to a human over a conference
bridge when the engine asks for one.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration service",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		logger := setupLogger()
		slog.SetDefault(logger)

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger.Info("starting callbridge",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("public_url", cfg.Server.PublicURL),
			slog.Bool("redis", cfg.Redis.Addr != ""),
			slog.Bool("dry_run", dryRun))

		if dryRun {
			logger.Info("dry run mode - configuration valid, exiting")
			return nil
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return serve(ctx, cfg, configPath, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := telephony.NewRESTProvider(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken)
	if err != nil {
		return err
	}

	eng, err := openaiengine.New(openaiengine.Config{
		APIKey:          cfg.Engine.OpenAIKey,
		ChatModel:       cfg.Engine.ChatModel,
		SystemPrompt:    cfg.Engine.SystemPrompt,
		TranscribeModel: cfg.Engine.TranscribeModel,
		SpeechModel:     cfg.Engine.SpeechModel,
		SpeechVoice:     cfg.Engine.SpeechVoice,
	})
	if err != nil {
		return err
	}

	hub := fanout.NewHub()
	deskHub := fanout.NewDeskHub()

	coord, err := escalation.New(escalation.Config{
		Provider:       provider,
		Store:          store,
		HumanNumber:    cfg.Telephony.HumanNumber,
		CallerID:       cfg.Telephony.CallerID,
		PublicURL:      cfg.Server.PublicURL,
		RingTimeout:    cfg.Escalation.RingTimeout,
		ConfirmTimeout: cfg.Escalation.ConfirmTimeout,
		TransferDelay:  cfg.Escalation.TransferDelay,
		WatchdogSoft:   cfg.Escalation.WatchdogSoft,
		WatchdogHard:   cfg.Escalation.WatchdogHard,
		OnStatus: func(sessionID string, status escalation.Status) {
			hub.Broadcast(sessionID, fanout.NewHumanStatus(sessionID, status.String()))
		},
	})
	if err != nil {
		return err
	}

	var mailer worker.Mailer
	if cfg.Worker.SMTPAddr != "" {
		mailer = &worker.SMTPMailer{
			Addr:     cfg.Worker.SMTPAddr,
			From:     cfg.Worker.SMTPFrom,
			Username: cfg.Worker.SMTPUsername,
			Password: cfg.Worker.SMTPPassword,
		}
	}
	wrk, err := worker.New(worker.Config{
		Store:               store,
		Desk:                deskHub,
		Mailer:              mailer,
		FallbackEmail:       cfg.Worker.FallbackEmail,
		AvailabilityTimeout: cfg.Worker.AvailabilityTimeout,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Registry:    call.NewRegistry(),
		Store:       store,
		Provider:    provider,
		Coordinator: coord,
		Worker:      wrk,
		Engine:      eng,
		Transcriber: eng,
		Synthesizer: eng,
		Hub:         hub,
		DeskHub:     deskHub,
		PublicURL:   cfg.Server.PublicURL,
	})

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				// Live rewiring is not supported; operators restart to
				// apply anything beyond what the log surfaces.
				logger.Info("configuration file changed, restart to apply",
					slog.String("path", configPath),
					slog.String("listen_addr", next.Server.ListenAddr))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildStore selects Redis when an address is configured, in-memory
// otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	return session.NewRedisStore(client, cfg.Redis.TTL), func() { client.Close() }, nil
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("CALLBRIDGE_LOG_FORMAT")
	logLevel := os.Getenv("CALLBRIDGE_LOG_LEVEL")

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func init() {
	serveCmd.Flags().String("config", "", "path to the YAML configuration file")
	serveCmd.Flags().Bool("dry-run", false, "validate configuration and exit")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
