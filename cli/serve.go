package main

import (
	"net"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/cafeloader/handshake"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept remote client handshakes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := cfg.Order()
		if err != nil {
			return err
		}

		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return err
		}

		server := handshake.NewServer(handshake.ServerConfig{
			FieldWidth:   cfg.FieldWidth,
			Order:        order,
			Allow:        cfg.Allow,
			HelloTimeout: cfg.Timeout,
		}, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		level.Info(logger).Log("msg", "listening", "addr", listener.Addr().String())
		err = server.Serve(ctx, listener)
		level.Info(logger).Log("msg", "stopped", "accepted", server.Accepted(), "rejected", server.Rejected())
		return err
	},
}
