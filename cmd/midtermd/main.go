// Command midtermd is the PTY host daemon: it owns every Session and
// exposes them over the local IPC socket described in spec.md §4.4, §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
)

// version is set via -ldflags at build time; "dev" otherwise.
var version = "dev"

func main() {
	var configPath, socketPath, logDir string

	root := &cobra.Command{
		Use:     "midtermd",
		Short:   "midterm PTY host daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, socketPath, logDir)
		},
	}
	root.Flags().StringVar(&configPath, "config", hostconfig.DefaultConfigPath(false), "path to config.yaml")
	root.Flags().StringVar(&socketPath, "socket", hostconfig.DefaultSocketPath(), "IPC socket/named-pipe path")
	root.Flags().StringVar(&logDir, "log-dir", hostconfig.DefaultLogDir(false), "log directory")
	root.SetVersionTemplate("midtermd {{.Version}}\n")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, socketPath, logDir string) error {
	log, err := hostlog.New(hostlog.DefaultConfig(), logDir)
	if err != nil {
		return fmt.Errorf("midtermd: open log: %w", err)
	}
	defer log.Close()

	cfg, err := hostconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("midtermd: load config: %w", err)
	}

	h := host.New(cfg, log.With("component", "host"))

	watcher, err := hostconfig.NewWatcher(configPath, log.With("component", "config"), h.UpdateConfig)
	if err != nil {
		log.Warn("midtermd: config hot-reload disabled", "err", err)
	} else {
		defer watcher.Close()
	}

	ipc := host.NewIPCServer(h, socketPath, cfg.IPCWorkers, log.With("component", "ipc"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(socketPath)

	errCh := make(chan error, 1)
	go func() {
		log.Info("midtermd: listening", "socket", socketPath)
		errCh <- ipc.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("midtermd: shutting down")
		h.Shutdown(2000)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		<-shutdownCtx.Done()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("midtermd: ipc server: %w", err)
		}
		return nil
	}
}

// printBanner prints a one-line colored status banner when stdout is an
// interactive terminal, and nothing otherwise (systemd/launchd capture stdout
// into a log file, where escape codes would just be noise).
func printBanner(socketPath string) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	fmt.Printf("\x1b[1;32mmidtermd\x1b[0m %s listening on \x1b[36m%s\x1b[0m\n", version, socketPath)
}
