// pattern: Imperative Shell
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"taskmasterd/internal/config"
	"taskmasterd/internal/control"
	"taskmasterd/internal/daemonlock"
	"taskmasterd/internal/launcher"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/reload"
	"taskmasterd/internal/supervisor"
)

var version = "dev"

func main() {
	socketOverride := pflag.String("socket", "", "control socket path (default: from config)")
	logLevelOverride := pflag.String("log-level", "", "log level override: debug, info, warn, error")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskmasterd [options] <config-path>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	args := pflag.Args()
	if len(args) != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	configPath := args[0]

	if err := run(configPath, *socketOverride, *logLevelOverride); err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, socketOverride, logLevelOverride string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if socketOverride != "" {
		doc.SocketPath = socketOverride
	}
	if logLevelOverride != "" {
		doc.LogLevel = logLevelOverride
	}

	dataDir := filepath.Dir(doc.SocketPath)
	fl, err := daemonlock.Lock(dataDir)
	if err != nil {
		return err
	}
	defer daemonlock.Cleanup(fl)

	logManager, err := logging.NewManager(logging.Config{
		FilePath:       doc.LogFile,
		MaxSizeMB:      10,
		MaxBackups:     3,
		MaxAgeDays:     7,
		ChannelBufSize: 1000,
		Level:          doc.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = logManager.Close() }()

	appLogger := logManager.For("daemon")
	appLogger.Info("taskmasterd starting", "config", configPath, "socket", doc.SocketPath)

	loader := func() (config.Document, error) {
		fresh, err := config.Load(configPath)
		if err != nil {
			return config.Document{}, err
		}
		if socketOverride != "" {
			fresh.SocketPath = socketOverride
		}
		if logLevelOverride != "" {
			fresh.LogLevel = logLevelOverride
		}
		return fresh, nil
	}

	sup := supervisor.New(launcher.Spawn, launcher.Signal, loader, logManager)
	sup.LoadInitial(doc)

	surface := control.New(doc.SocketPath, sup.Commands(), logManager)
	if err := surface.Listen(); err != nil {
		return fmt.Errorf("start control surface: %w", err)
	}
	defer surface.Close()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	watcher, err := reload.New(configPath, sup.TriggerReload, logManager)
	if err != nil {
		appLogger.Warn("configuration file watch disabled", "error", err)
	} else {
		defer watcher.Close()
		go watcher.Run(watchCtx)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	runDone := make(chan struct{})
	go func() {
		sup.Run()
		close(runDone)
	}()

	go func() {
		if err := surface.Serve(); err != nil {
			appLogger.Warn("control surface stopped", "error", err)
		}
	}()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				appLogger.Info("SIGHUP received, reloading configuration")
				sup.TriggerReload()
			case syscall.SIGTERM, syscall.SIGINT:
				appLogger.Info("shutdown signal received, stopping every program", "signal", sig.String())
				reply := make(chan supervisor.Response, 1)
				sup.Commands() <- supervisor.Command{Op: supervisor.OpShutdown, Reply: reply}
				<-reply
				<-runDone
				appLogger.Info("taskmasterd stopped")
				return nil
			}
		case <-runDone:
			return nil
		}
	}
}
