package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"filedrop/access"
	"filedrop/registry"
	httpServer "filedrop/server/http"
	websocketServer "filedrop/server/websocket"
	"filedrop/service"
	"filedrop/store"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		listenAddr = fs.StringP("listen-addr", "a", ":8000", "listen address")
		saveDir    = fs.StringP("save-dir", "d", defaultSaveDir(), "directory for received files")
		accessCode = fs.StringP("access-code", "c", "", "shared access code, empty means open access")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	files, err := store.New(&logger, *saveDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open save dir")
	}

	svc := service.NewService(service.Config{
		Sessions: registry.New(&logger),
		Files:    files,
		Guard:    access.NewGuard(*accessCode),
		Logger:   &logger,
	})
	wsHandler := websocketServer.NewHandler(websocketServer.Config{
		Logger: &logger,
		Hub:    svc,
	})
	srv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Hub:        svc,
		WSHandler:  wsHandler,
		ListenAddr: *listenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func defaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "FileDrop"
	}
	return filepath.Join(home, "Downloads", "FileDrop")
}
