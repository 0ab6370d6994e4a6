package main

import (
	"errors"
	"fmt"
	"math"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/cafeloader"
	"github.com/sliverarmory/cafeloader/artifact"
	"github.com/sliverarmory/cafeloader/config"
	"github.com/sliverarmory/cafeloader/handshake"
	"github.com/sliverarmory/cafeloader/memcopy"
	"github.com/sliverarmory/cafeloader/symbols"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the start-of-process sequence once against a live process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PID <= 0 {
			return errors.New("--pid is required")
		}
		if cfg.TitleID == "" {
			return errors.New("--title-id is required")
		}
		titleID, err := artifact.ParseTitleID(cfg.TitleID)
		if err != nil {
			return err
		}
		order, err := cfg.Order()
		if err != nil {
			return err
		}
		callback, err := resolveCallback(cfg)
		if err != nil {
			return err
		}

		target, err := memcopy.OpenTarget(cfg.PID, memcopy.Mode(cfg.Mode))
		if err != nil {
			return err
		}
		defer target.Close()

		reg := prometheus.NewRegistry()
		session, err := cafeloader.NewSession(cafeloader.Options{
			Root:    cfg.Root,
			TitleID: titleID,
			Order:   order,
			Writer:  target,
			Handshake: handshake.Config{
				Port:       cfg.Port,
				FieldWidth: cfg.FieldWidth,
				Timeout:    cfg.Timeout,
			},
			Callback:   callback,
			Logger:     logger,
			Registerer: reg,
		})
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report := session.Start(ctx)
		for _, result := range report.Steps {
			fmt.Fprintln(cmd.OutOrStdout(), result)
		}

		if cfg.MetricsTextfile != "" {
			if err := prometheus.WriteToTextfile(cfg.MetricsTextfile, reg); err != nil {
				level.Warn(logger).Log("msg", "write metrics", "path", cfg.MetricsTextfile, "err", err)
			}
		}
		return report.Err()
	},
}

func resolveCallback(cfg config.Config) (uint32, error) {
	if cfg.CallbackSymbol == "" {
		return cfg.Callback()
	}

	addr, err := symbols.NewResolver().Resolve(cfg.PID, cfg.CallbackModule, cfg.CallbackSymbol)
	if err != nil {
		return 0, fmt.Errorf("resolve callback %s: %w", cfg.CallbackSymbol, err)
	}
	if addr > math.MaxUint32 {
		return 0, fmt.Errorf("callback %s at 0x%x does not fit the 4-byte callback slot", cfg.CallbackSymbol, addr)
	}
	level.Info(logger).Log("msg", "resolved callback", "symbol", cfg.CallbackSymbol, "addr", fmt.Sprintf("0x%08X", addr))
	return uint32(addr), nil
}
