package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sdkrund/internal/bus"
	"github.com/sailfishos/sdkrund/internal/config"
	"github.com/sailfishos/sdkrund/internal/console"
	"github.com/sailfishos/sdkrund/internal/ipc"
	"github.com/sailfishos/sdkrund/internal/manager"
	"github.com/sailfishos/sdkrund/internal/printer"
)

func main() {
	cfg := config.Load()

	logLevel := hclog.Info
	if cfg.Debug {
		logLevel = hclog.Debug
	}
	log := hclog.New(&hclog.LoggerOptions{
		Name:       "sdkrund",
		Level:      logLevel,
		JSONFormat: cfg.LogJSON,
	})

	// Bus is foundational; everything downstream observes it.
	b := bus.New(log)

	// One console-writer goroutine shared by every task.
	p := printer.New(log, cfg.MinLinesForError, cfg.NoColor)
	p.SetDebug(cfg.Debug)

	// Registry owner; dispatches transitions to the bus and the printer.
	mgr := manager.New(log, b, p, cfg.LogDir, cfg.HistoryLength)

	srv := ipc.NewServer(log, mgr, b, cfg.SocketPath)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve()
	}()

	// SIGINT must not kill the daemon: Ctrl-C at this process's controlling
	// terminal is meant for the foreground subprocess group, not sdkrund
	// itself. The signal is caught and discarded rather than ignored, since
	// an ignored SIGINT would be inherited as ignored by every spawned task.
	// Only SIGTERM, or the IPC server stopping, shuts the daemon down; no IPC
	// method stops it.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGINT)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)

	// Operator console runs only when stdin looks interactive; a
	// supervised/background daemon launch has no terminal to read from.
	var con *console.Console
	if fi, err := os.Stdin.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		con, err = console.New(log, mgr, "sdkrun> ", nil)
		if err != nil {
			log.Warn("console disabled", "error", err)
		} else {
			go con.Run()
		}
	}

	select {
	case err := <-serveErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "sdkrund: %v\n", err)
		}
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	}

	if con != nil {
		_ = con.Close()
	}
	_ = srv.Close()
	_ = mgr.Close()
}
