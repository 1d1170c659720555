// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/go-streambuf/capture"
	"github.com/siderolabs/go-streambuf/config"
	"github.com/siderolabs/go-streambuf/tracker"
	"github.com/siderolabs/go-streambuf/zstd"
)

var runCmdFlags struct {
	configPath string
	eventsMap  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reassemble streams from the pinned events ring buffer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := config.Default()

		if runCmdFlags.configPath != "" {
			var err error

			if cfg, err = config.Load(runCmdFlags.configPath); err != nil {
				return err
			}
		}

		logger, err := cfg.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		defer logger.Sync() //nolint:errcheck

		return run(ctx, cfg, logger)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCmdFlags.configPath, "config", "", "path to the configuration file")
	runCmd.Flags().StringVar(&runCmdFlags.eventsMap, "events-map", "/sys/fs/bpf/streambuf/events", "path to the pinned events ring buffer map")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	compressor, err := zstd.NewCompressor()
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}

	defer compressor.Close() //nolint:errcheck

	tr, err := tracker.New(cfg.TrackerOptions(logger.Named("tracker"), compressor)...)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	defer tr.Close() //nolint:errcheck

	events, err := ebpf.LoadPinnedMap(runCmdFlags.eventsMap, nil)
	if err != nil {
		return fmt.Errorf("failed to load events map %q: %w", runCmdFlags.eventsMap, err)
	}

	defer events.Close() //nolint:errcheck

	reader, err := capture.NewRingbufReader(events, tr, logger.Named("capture"))
	if err != nil {
		return err
	}

	logger.Info("agent started", zap.String("events_map", runCmdFlags.eventsMap), zap.String("dump_dir", cfg.Tracker.DumpDir))

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return reader.Run(ctx)
	})

	eg.Go(func() error {
		// chunks are ingested by the reader, only the idle sweeper runs here
		return tr.Run(ctx, nil)
	})

	err = eg.Wait()

	stats := reader.Stats()

	logger.Info("agent stopped",
		zap.Int64("events", stats.Events),
		zap.Int64("decode_errors", stats.DecodeErrors),
		zap.Int64("truncated_events", stats.TruncatedEvents),
		zap.Int64("read_errors", stats.ReadErrors),
		zap.Int("streams", tr.Len()),
	)

	return err
}
