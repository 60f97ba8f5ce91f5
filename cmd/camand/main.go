package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mPyKen/Caman/internal/core"
)

const defaultConfigPath = "config/caman.yaml"

// Exit codes. A missing or inaccessible device gets its own code so
// service units can tell it apart from a bad scene.
const (
	exitFailure = 1
	exitDevice  = 2
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	scenePath := flag.String("scene", "", "Scene file, overrides the configured one")
	device := flag.String("device", "", "Virtual camera node, overrides the configured one")
	previewOnly := flag.Bool("preview-only", false, "Render for the preview server without a device")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: *debug,
	})))

	slog.Info("starting caman service",
		"config", *configPath,
		"scene", *scenePath,
		"device", *device,
		"preview_only", *previewOnly,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	daemon, err := core.New(*configPath, core.Overrides{
		Scene:       *scenePath,
		Device:      *device,
		PreviewOnly: *previewOnly,
	})
	if err != nil {
		slog.Error("failed to create caman service", "error", err)
		os.Exit(exitFailure)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- daemon.Run(ctx)
	}()

	code := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			code = reportRunError(err)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := daemon.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(exitFailure)
	}
	if code != 0 {
		os.Exit(code)
	}
	slog.Info("caman service stopped successfully")
}

// reportRunError logs err with a hint for device problems and picks the
// exit code.
func reportRunError(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist) && errors.Is(err, core.ErrDevice):
		slog.Error("virtual camera device missing",
			"error", err,
			"hint", "modprobe v4l2loopback devices=1 video_nr=20 exclusive_caps=1, or run with -preview-only",
		)
		return exitDevice
	case errors.Is(err, fs.ErrPermission) && errors.Is(err, core.ErrDevice):
		slog.Error("virtual camera device not writable",
			"error", err,
			"hint", "add the user to the video group",
		)
		return exitDevice
	case errors.Is(err, core.ErrDevice):
		slog.Error("virtual camera device rejected", "error", err)
		return exitDevice
	}
	slog.Error("service error", "error", err)
	return exitFailure
}
