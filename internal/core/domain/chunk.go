package domain

// Chunk is one slice of the source file. Index is 0-based and dense.
type Chunk struct {
	Index          uint32
	TotalChunks    uint32
	Payload        []byte
	OriginalLength uint32
}

// ChannelState mirrors a data channel's readyState.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelOptions are the delivery guarantees requested for a channel.
// At most one of MaxRetransmits and MaxPacketLifeTime may be set.
type ChannelOptions struct {
	Ordered           bool
	MaxRetransmits    *uint16
	MaxPacketLifeTime *uint16 // milliseconds
}
