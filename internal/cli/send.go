package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/services"
	"speedshare/pkg/utils"

	"github.com/urfave/cli/v2"
)

func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Offer a file and print the code the receiver needs",
		ArgsUsage: "FILE",
		Flags:     transferFlags(),
		Action:    sendAction,
	}
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: speedshare send FILE", 2)
	}
	path := c.Args().First()
	info, err := os.Stat(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if info.IsDir() {
		return cli.Exit(fmt.Sprintf("%s is a directory", path), 1)
	}

	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := c.Context
	cfg := rt.cfg.TransferConfiguration()
	if rt.cfg.Transfer.AdaptiveTuning && !c.Bool("no-tune") {
		probe := services.NewProbeService(rt.cfg.Probe.URL, rt.cfg.Probe.Timeout, nil, rt.logger)
		var quality domain.NetworkQuality
		cfg, quality = services.NewTunerService(probe, rt.logger).Optimize(ctx, cfg)
		fmt.Fprintf(rt.errOut, "network: %s, %v latency -> %d KiB chunks over %d channels\n",
			utils.FormatThroughput(quality.BandwidthBytesPerSec), utils.FormatDuration(quality.Latency),
			cfg.ChunkSize/1024, cfg.ParallelChannels)
	}
	cfg = applyOverrides(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	client, err := newRendezvousClient(rt.cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	keys, err := localKeys(rt.cfg)
	if err != nil {
		return err
	}

	conn, err := newPeerFactory(rt.cfg, rt.logger).NewConnection("")
	if err != nil {
		return err
	}
	defer conn.Close()

	offerSDP, err := conn.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	code, err := client.Issue(ctx, domain.RendezvousRecord{
		SDP:             offerSDP,
		ICEServer:       offeredICEServer(rt.cfg),
		ChunkSize:       cfg.ChunkSize,
		PublicKey:       encodedKey(keys),
		HighPerformance: cfg.ChunkSize > domain.HighPerformanceChunkSize,
	})
	if err != nil {
		return fmt.Errorf("failed to register offer: %w", err)
	}
	defer func() {
		evictCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.WriteTimeout)
		defer cancel()
		if err := client.Evict(evictCtx, code); err != nil && !errors.Is(err, domain.ErrCodeNotFound) {
			rt.logger.Warnw("failed to evict code", "error", err)
		}
	}()

	fmt.Fprintf(rt.out, "code: %s\n", code)
	fmt.Fprintf(rt.errOut, "waiting for the receiver...\n")

	answerCtx, cancel := context.WithTimeout(ctx, rt.cfg.Rendezvous.AnswerTimeout)
	answer, err := client.AwaitAnswer(answerCtx, code)
	cancel()
	if err != nil {
		return fmt.Errorf("no answer for code %s: %w", code, err)
	}
	if err := conn.SetAnswer(answer.SDP); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	authenticator, err := frameAuthenticator(keys, answer.PublicKey)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, rt.cfg.Channels.OpenTimeout*3)
	err = conn.WaitConnected(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	sender := services.NewTransferService(engineOptions(rt.cfg), authenticator, nil, rt.logger)
	progress, err := sender.SendFile(ctx, path, conn, cfg, newProgressPrinter(rt.errOut).update)
	if err != nil {
		var interrupted *domain.InterruptedError
		if errors.As(err, &interrupted) {
			return cli.Exit(fmt.Sprintf("transfer interrupted at %.1f%%: %v",
				interrupted.Progress.Percent(), interrupted.Cause), 1)
		}
		return err
	}

	fmt.Fprintf(rt.errOut, "sent %s in %d chunks\n", utils.FormatBytes(float64(progress.BytesSent)), progress.ChunksSent)
	return nil
}
