package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/services"
	"speedshare/internal/infrastructure/auth"
	"speedshare/pkg/utils"

	"github.com/urfave/cli/v2"
)

func ReceiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "receive",
		Usage:     "Receive the file offered under CODE",
		ArgsUsage: "CODE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "directory the file is written to",
				Value:   ".",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing file",
			},
		},
		Action: receiveAction,
	}
}

// fileSink creates the announced file inside dir and remembers it so a
// failed transfer can remove the partial output.
type fileSink struct {
	dir   string
	force bool

	mu   sync.Mutex
	file *os.File
}

func (s *fileSink) open(in services.IncomingFile) (io.WriterAt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if !s.force {
		flags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(filepath.Join(s.dir, utils.SanitizeFileName(in.Name)), flags, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	return f, nil
}

// finish closes the file and deletes it unless keep is set.
func (s *fileSink) finish(keep bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return "", nil
	}

	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	if !keep {
		return name, os.Remove(name)
	}
	return name, err
}

func receiveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: speedshare receive CODE", 2)
	}
	code := domain.RendezvousCode(c.Args().First())
	if !code.Valid() {
		return cli.Exit("invalid or expired code", 2)
	}

	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()
	ctx := c.Context

	client, err := newRendezvousClient(rt.cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	offer, err := client.Resolve(ctx, code)
	if errors.Is(err, domain.ErrCodeNotFound) {
		return cli.Exit("invalid or expired code", 1)
	}
	if err != nil {
		return err
	}

	// Authentication follows the sender: a published key is answered with
	// one of ours.
	var keys *auth.KeyPair
	if offer.PublicKey != "" {
		if keys, err = auth.GenerateKeyPair(); err != nil {
			return err
		}
	}
	authenticator, err := frameAuthenticator(keys, offer.PublicKey)
	if err != nil {
		return err
	}

	conn, err := newPeerFactory(rt.cfg, rt.logger).NewConnection(offer.ICEServer)
	if err != nil {
		return err
	}
	defer conn.Close()

	answerSDP, err := conn.AcceptOffer(ctx, offer.SDP)
	if err != nil {
		return err
	}
	if err := client.PostAnswer(ctx, code, domain.RendezvousRecord{
		SDP:       answerSDP,
		ChunkSize: offer.ChunkSize,
		PublicKey: encodedKey(keys),
	}); err != nil {
		return fmt.Errorf("failed to post answer: %w", err)
	}

	cfg := rt.cfg.TransferConfiguration()
	cfg.ChunkTimeout = rt.cfg.Receive.ChunkTimeout
	sink := &fileSink{dir: c.String("out"), force: c.Bool("force")}

	receiver := services.NewReceiveService(engineOptions(rt.cfg), authenticator, nil, rt.logger)
	result, err := receiver.ReceiveTo(ctx, conn, sink.open, cfg, newProgressPrinter(rt.errOut).update)
	name, closeErr := sink.finish(err == nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("receive failed: %v", err), 1)
	}
	if closeErr != nil {
		return closeErr
	}

	fmt.Fprintf(rt.out, "%s\n", name)
	fmt.Fprintf(rt.errOut, "received %s in %s\n",
		utils.FormatBytes(float64(result.Bytes)), utils.FormatDuration(result.Duration))
	return nil
}
