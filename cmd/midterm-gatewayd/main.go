// Command midterm-gatewayd is the Mux Gateway: it serves /ws/mux and
// /ws/state to browsers and reaches a midtermd Host over IPC (spec.md
// §4.4, §4.5). With --direct it also launches an in-process Host, so a
// single binary can run standalone; without it, it dials an
// already-running midtermd (sidecar mode) — the Session contract the
// Gateway sees is identical either way, since both modes go through the
// same IPC client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/hostclient"
	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/mux"
)

var version = "dev"

func main() {
	var addr, socketPath, logDir, configPath string
	var direct bool

	root := &cobra.Command{
		Use:     "midterm-gatewayd",
		Short:   "midterm Mux Gateway",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, socketPath, logDir, configPath, direct)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":7901", "HTTP listen address for /ws/mux and /ws/state")
	root.Flags().StringVar(&socketPath, "socket", hostconfig.DefaultSocketPath(), "Host IPC socket/named-pipe path")
	root.Flags().StringVar(&logDir, "log-dir", hostconfig.DefaultLogDir(false), "log directory")
	root.Flags().StringVar(&configPath, "config", hostconfig.DefaultConfigPath(false), "path to config.yaml (only read in --direct mode)")
	root.Flags().BoolVar(&direct, "direct", false, "embed a Host in this process instead of dialing a separate midtermd")
	root.SetVersionTemplate("midterm-gatewayd {{.Version}}\n")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(addr, socketPath, logDir, configPath string, direct bool) error {
	log, err := hostlog.New(hostlog.DefaultConfig(), logDir)
	if err != nil {
		return fmt.Errorf("midterm-gatewayd: open log: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if direct {
		cfg, err := hostconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("midterm-gatewayd: load config: %w", err)
		}
		h := host.New(cfg, log.With("component", "host"))
		ipc := host.NewIPCServer(h, socketPath, cfg.IPCWorkers, log.With("component", "ipc"))
		go func() {
			if err := ipc.ListenAndServe(ctx); err != nil {
				log.Error("midterm-gatewayd: embedded host ipc server failed", "err", err)
			}
		}()
		// Give the embedded listener a moment to bind before the client
		// dials it (sidecar mode has no such race since midtermd is
		// already running by the time this process starts).
		time.Sleep(50 * time.Millisecond)
	}

	client := hostclient.New(socketPath)
	defer client.Close()

	gw := mux.NewGateway(client, cookieAuth, log.With("component", "gateway"))

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/ws/mux", gw.ServeMux)
	serveMux.HandleFunc("/ws/state", gw.ServeState)

	httpSrv := &http.Server{Addr: addr, Handler: serveMux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("midterm-gatewayd: listening", "addr", addr, "direct", direct)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("midterm-gatewayd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("midterm-gatewayd: http server: %w", err)
		}
		return nil
	}
}

// cookieAuth validates the session cookie set by the external auth
// collaborator (spec.md §6: "the Gateway does not validate passwords").
// Presence of the cookie is all this layer checks; its value's meaning
// belongs to that collaborator.
func cookieAuth(r *http.Request) (clientID string, ok bool) {
	cookie, err := r.Cookie("midterm_session")
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
