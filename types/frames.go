package types

// FrameType discriminates host frames on the input stream.
type FrameType string

// Frame type constants.
const (
	FrameTypeTopology FrameType = "topology"
	FrameTypeStart    FrameType = "start"
	FrameTypeStop     FrameType = "stop"
	FrameTypeSpike    FrameType = "spike"
	FrameTypeTTL      FrameType = "ttl"
	FrameTypeBlock    FrameType = "block"
)

// Frame is one decoded host frame. Exactly one payload field is set,
// matching Type; start and stop frames carry no payload.
type Frame struct {
	Type     FrameType `msgpack:"type"`
	Topology *Topology `msgpack:"topology,omitempty"`
	Spike    *Spike    `msgpack:"spike,omitempty"`
	TTL      *TTLEvent `msgpack:"ttl,omitempty"`
	Block    *Block    `msgpack:"block,omitempty"`
}

// IsKnown reports whether the frame type is recognized.
func (t FrameType) IsKnown() bool {
	switch t {
	case FrameTypeTopology, FrameTypeStart, FrameTypeStop,
		FrameTypeSpike, FrameTypeTTL, FrameTypeBlock:
		return true
	default:
		return false
	}
}
