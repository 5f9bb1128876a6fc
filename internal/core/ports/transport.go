package ports

import "speedshare/internal/core/domain"

// DataChannel is the slice of a transport data channel the engine relies on.
// Callback setters replace any previously registered handler.
type DataChannel interface {
	Label() string
	ReadyState() domain.ChannelState
	BufferedAmount() uint64
	BufferedAmountLowThreshold() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnBufferedAmountLow(f func())
	OnMessage(f func(data []byte))
	Send(data []byte) error
	Close() error
}

// Connection is an established (or establishing) peer connection able to
// open data channels and to announce channels opened by the remote side.
type Connection interface {
	CreateChannel(label string, opts domain.ChannelOptions) (DataChannel, error)
	OnChannel(f func(ch DataChannel))
}
