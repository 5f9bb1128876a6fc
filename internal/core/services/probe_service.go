package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultProbeURL     = "https://www.cloudflare.com/cdn-cgi/trace"
	DefaultProbeTimeout = 5 * time.Second

	// maxProbeBody caps how much of the probe response is read.
	maxProbeBody = 1 << 20
)

type ProbeService struct {
	url     string
	client  *http.Client
	metrics ports.MetricsCollector
	logger  *zap.SugaredLogger

	now func() time.Time
}

var _ ports.NetworkProbe = (*ProbeService)(nil)

func NewProbeService(url string, timeout time.Duration, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *ProbeService {
	if url == "" {
		url = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &ProbeService{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Measure times a single GET of the probe resource. Transport failures are
// logged and answered with domain.FallbackNetworkQuality.
func (ps *ProbeService) Measure(ctx context.Context) domain.NetworkQuality {
	quality, err := ps.measure(ctx)
	if err != nil {
		ps.logger.Warnw("network probe failed, using fallback reading",
			"url", ps.url,
			"error", err,
		)
		quality = domain.FallbackNetworkQuality
	}
	ps.metrics.RecordProbe(quality)
	return quality
}

func (ps *ProbeService) measure(ctx context.Context) (domain.NetworkQuality, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.url, nil)
	if err != nil {
		return domain.NetworkQuality{}, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := ps.now()
	resp, err := ps.client.Do(req)
	if err != nil {
		return domain.NetworkQuality{}, err
	}
	defer resp.Body.Close()

	// Any completed round trip is a measurement, whatever its status.
	if resp.StatusCode != http.StatusOK {
		ps.logger.Debugw("network probe answered with non-OK status",
			"url", ps.url,
			"status", resp.StatusCode,
		)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return domain.NetworkQuality{}, fmt.Errorf("failed to read probe body: %w", err)
	}

	latency := ps.now().Sub(start)
	if latency <= 0 {
		latency = time.Millisecond
	}

	return domain.NetworkQuality{
		BandwidthBytesPerSec: float64(n) / latency.Seconds(),
		Latency:              latency,
		Reliability:          domain.ReliabilityForLatency(latency),
	}, nil
}
