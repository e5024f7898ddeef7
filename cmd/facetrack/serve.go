package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facetrack/internal/config"
	"github.com/teslashibe/go-facetrack/internal/log"
	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/engine"
	"github.com/teslashibe/go-facetrack/pkg/events"
	"github.com/teslashibe/go-facetrack/pkg/ingest"
	"github.com/teslashibe/go-facetrack/pkg/provider"
	"github.com/teslashibe/go-facetrack/pkg/store"
	"github.com/teslashibe/go-facetrack/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stdout)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log.L())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("facetrack starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"detector", cfg.Detector.Kind,
		"capture", cfg.Capture.Source,
		"store", cfg.Store.Driver)

	detector, err := provider.New(cfg.Detector, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	defer detector.Close()

	var (
		source capture.Source
		push   *capture.Push
	)
	switch cfg.Capture.Source {
	case config.SourceWebcam:
		cam := capture.NewWebcam(cfg.Capture.Webcam, logger)
		if err := cam.Open(); err != nil {
			return err
		}
		defer cam.Close()
		source = cam
	default:
		push = capture.NewPush()
		source = push
	}

	st, err := store.Open(ctx, strings.ToLower(cfg.Store.Driver), cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	publisher := openEvents(cfg.Events, logger)
	defer publisher.Close()

	device, err := cfg.DeviceClass()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Detector: detector,
		Source:   source,
		Store:    st,
		Events:   publisher,
		Logger:   logger,
		Device:   device,
	})
	if err != nil {
		return err
	}

	serverCfg := cfg.Server
	serverCfg.Version = Version
	opts := []web.Option{web.WithLogger(logger)}
	if push != nil {
		opts = append(opts, web.WithIngest(ingest.NewHub(push,
			ingest.WithVisibility(eng),
			ingest.WithProfile(eng),
			ingest.WithLogger(logger),
		)))
	}
	server := web.NewServer(serverCfg, eng, opts...)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-engineErr:
		if err != nil {
			runErr = fmt.Errorf("engine halted: %w", err)
		}
	}

	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	logger.Info("facetrack stopped", "session", eng.Session().SessionID)
	return runErr
}

// openEvents builds the lifecycle publisher. A broker that cannot be
// reached at startup is retried in the background by the client.
func openEvents(cfg config.EventsConfig, logger *slog.Logger) events.Publisher {
	if !cfg.Enabled {
		return events.Nop{}
	}
	m := events.NewMQTT(cfg.MQTT, logger)
	if err := m.Connect(); err != nil {
		logger.Warn("mqtt broker unreachable, will retry", "broker", cfg.MQTT.Broker, "error", err)
	}
	return events.NewAsync(m, cfg.Buffer, logger)
}
