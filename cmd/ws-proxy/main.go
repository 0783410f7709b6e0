package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/renode-ws-proxy/ws-proxy/internal/config"
	"github.com/renode-ws-proxy/ws-proxy/internal/engine"
	"github.com/renode-ws-proxy/ws-proxy/internal/listener"
	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
)

func main() {
	var gdbBinary string
	var port int
	var fetchRateByte int
	var logTTY bool

	root := &cobra.Command{
		Use:   "ws-proxy <engine-binary> <working-dir>",
		Short: "session-managing WebSocket proxy for the simulator engine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-tty") {
				engine.MirrorToStdout = logTTY
			}
			cfg, err := config.Load(args[0], args[1], gdbBinary, port, fetchRateByte)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				switch err.(type) {
				case *config.ArgError:
					os.Exit(2)
				case *config.BinaryError:
					os.Exit(3)
				default:
					os.Exit(1)
				}
			}
			return run(cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&gdbBinary, "gdb", "g", "", "path to gdb binary")
	root.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "listen port")
	root.Flags().IntVar(&fetchRateByte, "fetch-rate-limit", config.DefaultFetchRateByte, "fs/zip and fs/fetch download rate limit, in bytes/sec")
	root.Flags().BoolVar(&logTTY, "log-tty", engine.MirrorToStdout, "mirror engine console output to this process's stdout (default: auto-detected)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(cfg *config.Config) error {
	tmpDir, err := os.MkdirTemp("", "ws-proxy-*")
	if err != nil {
		return fmt.Errorf("create tempdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	l := listener.New(listener.Config{
		EngineBinary:  cfg.EngineBinary,
		GDBBinary:     cfg.GDBBinary,
		GUIDisabled:   cfg.GUIDisabled,
		GUIForced:     cfg.GUIForced,
		SandboxRoot:   cfg.WorkingDir,
		TempDir:       tmpDir,
		FetchRateByte: cfg.FetchRateByte,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	httpSrv := &http.Server{Handler: l}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ws-proxy listening", "addr", addr, "engine", cfg.EngineBinary, "root", cfg.WorkingDir)
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
