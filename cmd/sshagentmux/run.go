package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/sshagentmux/sshagentmux/internal/backend"
	"github.com/sshagentmux/sshagentmux/internal/core"
	"github.com/sshagentmux/sshagentmux/internal/pipeserver"
	"github.com/sshagentmux/sshagentmux/internal/procctl"
	"github.com/sshagentmux/sshagentmux/internal/router"
	"github.com/sshagentmux/sshagentmux/internal/store"
)

// errAlreadyRunning is returned when the front pipe cannot be opened and a
// probe connection to it succeeds: another instance already owns it.
var errAlreadyRunning = errors.New("sshagentmux: another instance is already running")

func runEngine(configPath string, verbose bool) error {
	logger := core.SetupLogging(os.Stderr, verbose)
	logger.Info("starting", "version", core.FormatVersion(core.Version))

	fileStore := core.NewStore(configPath)
	doc, err := fileStore.Load()
	if err != nil {
		return err
	}
	if len(doc.Agents) == 0 {
		logger.Error("no agents configured", "config", configPath)
		return errors.New("sshagentmux: no agents configured")
	}

	listener, err := pipeserver.ListenWinioPipe(doc.ProxyPipeName)
	if err != nil {
		if frontPipeAlreadyOwned(doc.ProxyPipeName) {
			logger.Error("another instance is already running", "pipe", doc.ProxyPipeName)
			return errAlreadyRunning
		}
		return err
	}
	defer listener.Close()

	mapping := store.New(doc, fileStore, logger)
	failures := store.NewFailureCache(time.Duration(doc.FailureCacheTTLSeconds) * time.Second)
	procs := procctl.New(logger)
	connect := router.ConnectBackend(backend.DialWinioPipe(doc.BackendPipeName))

	rtr := router.New(router.Config{
		Agents:         doc.Agents,
		DefaultBackend: doc.DefaultAgent,
		Mapping:        mapping,
		Failures:       failures,
		Procs:          procs,
		Connect:        connect,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rtr.Start(ctx)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownChan
		logger.Info("shutdown signal received, closing front pipe")
		cancel()
	}()

	logger.Info("listening",
		"pipe", doc.ProxyPipeName,
		"backend_pipe", doc.BackendPipeName,
		"agents", len(doc.Agents))

	srv := pipeserver.New(listener, rtr, logger)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// frontPipeAlreadyOwned probes the front pipe with a short-lived dial: a
// successful connect means some other process is already serving it.
func frontPipeAlreadyOwned(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	conn, err := winio.DialPipeContext(ctx, `\\.\pipe\`+name)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
