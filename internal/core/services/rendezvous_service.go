package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/tracing"
	"speedshare/pkg/validation"

	"go.uber.org/zap"
)

const (
	DefaultCodeAttempts       = 1000
	DefaultAnswerPollInterval = 500 * time.Millisecond

	// acceptBelow is the largest multiple of len(CodeAlphabet) that fits in
	// a byte; random bytes at or above it are discarded.
	acceptBelow = 256 - 256%len(domain.CodeAlphabet)
)

// CodeGenerator produces a candidate rendezvous code.
type CodeGenerator func() (domain.RendezvousCode, error)

type RendezvousOptions struct {
	CodeAttempts       int
	AnswerPollInterval time.Duration
	Generator          CodeGenerator
}

type RendezvousService struct {
	repo         ports.RendezvousRepository
	generate     CodeGenerator
	attempts     int
	pollInterval time.Duration
	metrics      ports.MetricsCollector
	logger       *zap.SugaredLogger
}

var _ ports.RendezvousRegistry = (*RendezvousService)(nil)

func NewRendezvousService(
	repo ports.RendezvousRepository,
	opts RendezvousOptions,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *RendezvousService {
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = DefaultCodeAttempts
	}
	if opts.AnswerPollInterval <= 0 {
		opts.AnswerPollInterval = DefaultAnswerPollInterval
	}
	if opts.Generator == nil {
		opts.Generator = GenerateCode
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &RendezvousService{
		repo:         repo,
		generate:     opts.Generator,
		attempts:     opts.CodeAttempts,
		pollInterval: opts.AnswerPollInterval,
		metrics:      metrics,
		logger:       logger,
	}
}

// GenerateCode draws a code from crypto/rand, rejecting bytes that would
// bias the alphabet.
func GenerateCode() (domain.RendezvousCode, error) {
	code := make([]byte, 0, domain.CodeLength)
	buf := make([]byte, domain.CodeLength*2)
	for len(code) < domain.CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= acceptBelow {
				continue
			}
			code = append(code, domain.CodeAlphabet[int(b)%len(domain.CodeAlphabet)])
			if len(code) == domain.CodeLength {
				break
			}
		}
	}
	return domain.RendezvousCode(code), nil
}

// Issue stores record under a fresh code. Collisions are retried up to the
// configured attempts; after that a new code is stored unconditionally.
func (s *RendezvousService) Issue(ctx context.Context, record domain.RendezvousRecord) (domain.RendezvousCode, error) {
	ctx, span := tracing.TraceRendezvous(ctx, "issue", "")
	defer span.End()

	if err := validation.ValidateRecord(record); err != nil {
		s.metrics.RecordRendezvous("issue", "invalid")
		return "", err
	}
	data, err := domain.EncodeRecord(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return "", err
		}
		created, err := s.repo.CreateIfAbsent(ctx, code, data)
		if err != nil {
			tracing.RecordError(ctx, err)
			s.metrics.RecordRendezvous("issue", "error")
			return "", fmt.Errorf("failed to store record: %w", err)
		}
		if created {
			if attempt > 1 {
				s.logger.Debugw("code collision resolved", "attempts", attempt)
			}
			s.metrics.RecordRendezvous("issue", "ok")
			return code, nil
		}
	}

	code, err := s.generate()
	if err != nil {
		return "", err
	}
	s.logger.Warnw("code attempts exhausted, storing unchecked code",
		"attempts", s.attempts,
	)
	if err := s.repo.Put(ctx, code, data); err != nil {
		tracing.RecordError(ctx, err)
		s.metrics.RecordRendezvous("issue", "error")
		return "", fmt.Errorf("failed to store record: %w", err)
	}
	s.metrics.RecordRendezvous("issue", "unchecked")
	return code, nil
}

// Resolve returns the record stored under code. The code format is checked
// before any lookup.
func (s *RendezvousService) Resolve(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error) {
	if err := validation.ValidateCode(string(code)); err != nil {
		s.metrics.RecordRendezvous("resolve", "invalid")
		return domain.RendezvousRecord{}, err
	}

	ctx, span := tracing.TraceRendezvous(ctx, "resolve", string(code))
	defer span.End()

	data, err := s.repo.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrCodeNotFound) {
			s.metrics.RecordRendezvous("resolve", "not_found")
		} else {
			tracing.RecordError(ctx, err)
			s.metrics.RecordRendezvous("resolve", "error")
		}
		return domain.RendezvousRecord{}, err
	}

	record, err := domain.DecodeRecord(code, data)
	if err != nil {
		s.metrics.RecordRendezvous("resolve", "error")
		return domain.RendezvousRecord{}, err
	}
	s.metrics.RecordRendezvous("resolve", "ok")
	return record, nil
}

// Evict discards the offer and any answer stored under code.
func (s *RendezvousService) Evict(ctx context.Context, code domain.RendezvousCode) error {
	if err := validation.ValidateCode(string(code)); err != nil {
		return err
	}

	ctx, span := tracing.TraceRendezvous(ctx, "evict", string(code))
	defer span.End()

	if err := s.repo.Delete(ctx, code); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to evict code: %w", err)
	}
	s.metrics.RecordRendezvous("evict", "ok")
	return nil
}

// PostAnswer stores the receiver's answer next to a live offer.
func (s *RendezvousService) PostAnswer(ctx context.Context, code domain.RendezvousCode, answer domain.RendezvousRecord) error {
	if err := validation.ValidateCode(string(code)); err != nil {
		return err
	}
	if err := validation.ValidateRecord(answer); err != nil {
		return err
	}

	ctx, span := tracing.TraceRendezvous(ctx, "answer", string(code))
	defer span.End()

	if _, err := s.repo.Get(ctx, code); err != nil {
		return err
	}
	data, err := domain.EncodeRecord(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer: %w", err)
	}
	if err := s.repo.PutAnswer(ctx, code, data); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store answer: %w", err)
	}
	s.metrics.RecordRendezvous("answer", "ok")
	return nil
}

// AwaitAnswer polls for the answer to code until one is stored or ctx ends.
func (s *RendezvousService) AwaitAnswer(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error) {
	if err := validation.ValidateCode(string(code)); err != nil {
		return domain.RendezvousRecord{}, err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		data, err := s.repo.GetAnswer(ctx, code)
		switch {
		case err == nil:
			return domain.DecodeRecord(code, data)
		case !errors.Is(err, domain.ErrCodeNotFound):
			return domain.RendezvousRecord{}, fmt.Errorf("failed to read answer: %w", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return domain.RendezvousRecord{}, ctx.Err()
		}
	}
}
