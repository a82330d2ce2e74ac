package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logship/internal/config"
	"logship/internal/logger"
	"logship/internal/models"
	"logship/internal/processor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "logship",
		Short:         "Batching, retrying log delivery to files, sockets, Kafka, Pebble and mail",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "diagnostic log level (overrides config)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newShipCmd(load))
	return root
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger.Init(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return processor.New(cfg).Run(ctx)
		},
	}
}

func newShipCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		source  string
		level   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Ship lines read from stdin to every configured sink and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// stdout carries the result line only
			logger.InitWriter(cfg.LogLevel, cmd.ErrOrStderr())

			lvl, err := models.ParseLevel(level)
			if err != nil {
				return fmt.Errorf("--level: %w", err)
			}

			events, err := readEvents(cmd.InOrStdin(), lvl, source)
			if err != nil {
				return err
			}

			p := processor.New(cfg)
			if err := p.Start(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			deliverErr := p.Router().Deliver(ctx, events)
			closeErr := p.Router().Close()

			if deliverErr != nil {
				return fmt.Errorf("delivery failed: %w", deliverErr)
			}
			if closeErr != nil {
				return fmt.Errorf("close sinks: %w", closeErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shipped %d events\n", len(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "stdin", "source name stamped on every event")
	cmd.Flags().StringVar(&level, "level", "info", "level stamped on every event")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for delivery")
	return cmd
}

// readEvents turns every non-empty line into an event
func readEvents(r io.Reader, level models.Level, source string) ([]*models.LogEvent, error) {
	var events []*models.LogEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), models.MaxMessageLength+1)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := models.NewLogEvent(level, source, line)
		ev.Normalize()
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return events, nil
}
