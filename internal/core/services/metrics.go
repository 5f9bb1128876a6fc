package services

import (
	"time"

	"speedshare/internal/core/domain"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"

	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordChunk(string, int) {}
func (NopMetrics) RecordTransfer(string, string, uint64, time.Duration) {}
func (NopMetrics) RecordChannelFailures(int) {}
func (NopMetrics) RecordRendezvous(string, string) {}
func (NopMetrics) RecordProbe(domain.NetworkQuality) {}
