package ports

import (
	"context"

	"speedshare/internal/core/domain"
)

// RendezvousRepository stores encoded rendezvous records keyed by code.
// Get and GetAnswer return domain.ErrCodeNotFound when nothing is stored.
type RendezvousRepository interface {
	CreateIfAbsent(ctx context.Context, code domain.RendezvousCode, data []byte) (bool, error)
	Put(ctx context.Context, code domain.RendezvousCode, data []byte) error
	Get(ctx context.Context, code domain.RendezvousCode) ([]byte, error)
	Delete(ctx context.Context, code domain.RendezvousCode) error
	PutAnswer(ctx context.Context, code domain.RendezvousCode, data []byte) error
	GetAnswer(ctx context.Context, code domain.RendezvousCode) ([]byte, error)
}
