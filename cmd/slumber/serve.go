package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slumberd/slumber"
	"github.com/slumberd/slumber/internal/server"
)

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "slumber.toml", "supervisor config file")
	return cmd
}

func runServe(cfgPath string) error {
	sup, err := slumber.New(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := server.NewServer(sup.ListenAddr(), sup.Router())
	slog.Info("control API listening", "addr", sup.ListenAddr())

	err = sup.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutCtx); serr != nil && serr != http.ErrServerClosed {
		slog.Warn("http shutdown failed", "err", serr)
	}
	return err
}
