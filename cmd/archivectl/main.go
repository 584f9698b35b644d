package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/timmy/studiodesk/internal/config"
	"github.com/timmy/studiodesk/internal/delivery"
	"github.com/timmy/studiodesk/internal/logger"
)

func main() {
	var (
		configPath = pflag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
		serverURL  = pflag.String("server", "", "Server base URL (overrides config)")
		token      = pflag.String("token", "", "Bearer token (overrides config)")
		userID     = pflag.String("user", "", "User identity for the progress channel (overrides config)")
		request    = pflag.StringP("request", "r", "", "Request number to archive")
		outDir     = pflag.StringP("out", "o", "", "Directory for downloaded archives (overrides config)")
	)
	pflag.Parse()

	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if *request == "" {
		fmt.Fprintln(os.Stderr, "Usage: archivectl --request <number> [flags]")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	client := cfg.Client
	override(&client.ServerURL, *serverURL)
	override(&client.Token, *token)
	override(&client.UserID, *userID)
	override(&client.DownloadDir, *outDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLogger.WithContext(ctx)

	if err := run(ctx, client, *request); err != nil {
		appLogger.WithError(err).Error("Archive delivery failed")
		logger.Sync()
		os.Exit(1)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func run(ctx context.Context, cfg config.ClientConfig, resourceID string) error {
	log := logger.FromContext(ctx)

	channel := delivery.NewChannel(delivery.ChannelConfig{
		ServerURL: cfg.ServerURL,
		Token:     cfg.Token,
	})
	defer channel.Close()

	if err := channel.Open(ctx, cfg.UserID); err != nil {
		// Progress is optional when the archive is already cached.
		log.WithError(err).Warn("Progress channel unavailable")
	}

	initiator := delivery.NewInitiator(delivery.InitiatorConfig{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	})
	downloader := delivery.NewFileDownloader(cfg.DownloadDir, cfg.Timeout)

	done := make(chan delivery.View, 1)
	reconciler := delivery.NewReconciler(initiator, downloader,
		delivery.WithChannelState(channel.State),
		delivery.WithOnChange(func(v delivery.View) {
			render(log, v)
			if v.State == delivery.StateCompleted || v.State == delivery.StateFailed {
				select {
				case done <- v:
				default:
				}
			}
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = reconciler.Run(runCtx, channel.Events())
	}()

	if err := reconciler.Request(ctx, resourceID); err != nil {
		return err
	}

	if reconciler.View().State != delivery.StateIdle {
		select {
		case v := <-done:
			if v.State == delivery.StateFailed {
				reconciler.Dismiss()
				downloader.Wait()
				return errors.New(v.ErrorMessage)
			}
		case <-ctx.Done():
			reconciler.Dismiss()
			log.Warn("Interrupted, job dismissed")
		}
	}

	if errs := downloader.Wait(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func render(log *logger.Logger, v delivery.View) {
	entry := log.WithFields(logger.Fields{
		"state":   v.State.String(),
		"percent": v.Percent,
	})
	switch {
	case v.Notice != "":
		entry.Warn(v.Notice)
	case v.State == delivery.StateFailed:
		entry.Error(v.ErrorMessage)
	case v.State == delivery.StateCompleted:
		entry.WithField("url", v.ResultURL).Info(v.Message)
	case v.Visible:
		entry.Info(v.Message)
	}
}
