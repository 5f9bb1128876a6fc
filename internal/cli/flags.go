// Package cli holds the commands of the speedshare peer binary.
package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/services"
	"speedshare/pkg/config"
	"speedshare/pkg/logger"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// GlobalFlags are accepted by every command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the YAML configuration",
			Value:   "configs/config.yaml",
			EnvVars: []string{"SPEEDSHARE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (overrides the config)",
		},
	}
}

func transferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{
			Name:  "chunk-size",
			Usage: "chunk size in bytes (0 = config or tuned value)",
		},
		&cli.IntFlag{
			Name:  "channels",
			Usage: "parallel data channels (0 = config or tuned value)",
		},
		&cli.IntFlag{
			Name:  "level",
			Usage: "compression level 1-20 (0 = config)",
		},
		&cli.BoolFlag{
			Name:  "no-tune",
			Usage: "skip the network probe and use the configured settings",
		},
	}
}

// runtime is what every command needs before it does any work.
type runtime struct {
	cfg    *config.Config
	zap    *zap.Logger
	logger *zap.SugaredLogger
	out    io.Writer
	errOut io.Writer
}

func loadRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to load config: %v", err), 2)
	}

	level := cfg.Logging.Level
	if l := c.String("log-level"); l != "" {
		level = l
	}
	zl := logger.NewConsole(level)

	return &runtime{
		cfg:    cfg,
		zap:    zl,
		logger: zl.Sugar(),
		out:    c.App.Writer,
		errOut: c.App.ErrWriter,
	}, nil
}

func (rt *runtime) close() {
	_ = rt.zap.Sync()
}

// engineOptions maps the config onto the engine's process wide settings.
func engineOptions(cfg *config.Config) services.EngineOptions {
	opts := services.DefaultEngineOptions()
	opts.Workers = cfg.Transfer.Workers
	if cfg.Transfer.StreamThreshold > 0 {
		opts.StreamThreshold = cfg.Transfer.StreamThreshold
	}
	opts.MaxRetransmits = cfg.Channels.MaxRetransmits
	if cfg.Channels.BufferedAmountThreshold > 0 {
		opts.BufferedAmountThreshold = cfg.Channels.BufferedAmountThreshold
	}
	if cfg.Channels.OpenTimeout > 0 {
		opts.OpenTimeout = cfg.Channels.OpenTimeout
	}
	if cfg.Channels.RetryBaseDelay > 0 {
		opts.RetryBaseDelay = cfg.Channels.RetryBaseDelay
	}
	if cfg.Receive.ResendRounds > 0 {
		opts.ResendRounds = cfg.Receive.ResendRounds
	}
	return opts
}

// applyOverrides layers the command line on top of cfg.
func applyOverrides(c *cli.Context, cfg domain.TransferConfiguration) domain.TransferConfiguration {
	if v := c.Uint("chunk-size"); v > 0 {
		cfg.ChunkSize = uint32(v)
	}
	if v := c.Int("channels"); v > 0 {
		cfg.ParallelChannels = v
	}
	if v := c.Int("level"); v > 0 {
		cfg.CompressionLevel = v
	}
	return cfg
}

// progressPrinter redraws one status line, at most every interval.
type progressPrinter struct {
	w        io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, interval: 200 * time.Millisecond}
}

func (p *progressPrinter) update(percent float64, throughput string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if percent < 100 && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	fmt.Fprintf(p.w, "\r%6.2f%%  %-12s", percent, throughput)
	if percent >= 100 {
		fmt.Fprintln(p.w)
	}
}
