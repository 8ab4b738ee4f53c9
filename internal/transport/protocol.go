package transport

import "fmt"

// Protocol is the control request numbering and framing of a firmware
// revision. The two known revisions are not wire compatible.
type Protocol struct {
	Name string

	// ChunkSize splits the outbound command into pieces of this size.
	// 0 sends the command as one transfer.
	ChunkSize int

	// Exec issues an empty inbound RequestExec transfer after sending.
	Exec bool

	RequestSend    uint8
	RequestExec    uint8
	RequestPoll    uint8
	RequestReceive uint8
}

// wValue of chunked sends.
const (
	chunkFirst = 0x4000
	chunkNext  = 0x8000
)

var (
	// ProtocolV1 is the early revision: 16 byte chunks and an explicit
	// execute request. Kept for older firmware. Verify against the device.
	ProtocolV1 = Protocol{
		Name:           "v1",
		ChunkSize:      16,
		Exec:           true,
		RequestSend:    0,
		RequestExec:    1,
		RequestPoll:    3,
		RequestReceive: 2,
	}

	// ProtocolV2 sends the whole command in one transfer.
	ProtocolV2 = Protocol{
		Name:           "v2",
		RequestSend:    0,
		RequestPoll:    2,
		RequestReceive: 1,
	}
)

// GetProtocol returns a protocol revision by name.
func GetProtocol(name string) (Protocol, error) {
	switch name {
	case "", ProtocolV2.Name:
		return ProtocolV2, nil
	case ProtocolV1.Name:
		return ProtocolV1, nil
	}
	return Protocol{}, fmt.Errorf("unknown device protocol '%s'", name)
}
