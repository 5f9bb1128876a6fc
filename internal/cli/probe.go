package cli

import (
	"fmt"

	"speedshare/internal/core/services"
	"speedshare/pkg/utils"

	"github.com/urfave/cli/v2"
)

func ProbeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Measure the network and show the settings a transfer would use",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "probe endpoint (overrides the config)",
			},
		},
		Action: probeAction,
	}
}

func probeAction(c *cli.Context) error {
	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	url := rt.cfg.Probe.URL
	if u := c.String("url"); u != "" {
		url = u
	}

	probe := services.NewProbeService(url, rt.cfg.Probe.Timeout, nil, rt.logger)
	tuned, quality := services.NewTunerService(probe, rt.logger).Optimize(c.Context, rt.cfg.TransferConfiguration())

	fmt.Fprintf(rt.out, "bandwidth:    %s\n", utils.FormatThroughput(quality.BandwidthBytesPerSec))
	fmt.Fprintf(rt.out, "latency:      %s\n", utils.FormatDuration(quality.Latency))
	fmt.Fprintf(rt.out, "reliability:  %.2f\n", quality.Reliability)
	fmt.Fprintf(rt.out, "chunk size:   %s\n", utils.FormatBytes(float64(tuned.ChunkSize)))
	fmt.Fprintf(rt.out, "channels:     %d\n", tuned.ParallelChannels)
	fmt.Fprintf(rt.out, "compression:  %d\n", tuned.CompressionLevel)
	return nil
}
