package transfer

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameType defines transfer message type
type FrameType uint8

const (
	FrameOffer  FrameType = iota + 1 // File metadata from the sender
	FrameAccept                      // Receiver wants the file
	FrameReject                      // Receiver declined or verification failed
	FrameChunk                       // Data chunk
	FrameDone                        // End of data, with checksum
	FrameAck                         // Receiver verified and stored the file
)

func (t FrameType) String() string {
	switch t {
	case FrameOffer:
		return "offer"
	case FrameAccept:
		return "accept"
	case FrameReject:
		return "reject"
	case FrameChunk:
		return "chunk"
	case FrameDone:
		return "done"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Frame is one protocol message. Only the fields of its type are set.
type Frame struct {
	Type     FrameType `cbor:"1,keyasint"`
	Name     string    `cbor:"2,keyasint,omitempty"`
	Size     int64     `cbor:"3,keyasint,omitempty"`
	Data     []byte    `cbor:"4,keyasint,omitempty"`
	Checksum []byte    `cbor:"5,keyasint,omitempty"`
	Reason   string    `cbor:"6,keyasint,omitempty"`
}

// Conn is an ordered, reliable, message-oriented channel to the peer.
// *p2p.Stream implements it.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transfer: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("transfer: cbor decoder: " + err.Error())
	}
}

func writeFrame(ctx context.Context, conn Conn, f Frame) error {
	data, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("cbor.Marshal: %w", err)
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

func readFrame(ctx context.Context, conn Conn) (Frame, error) {
	data, err := conn.Receive(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(f.Data) > ChunkSize {
		return Frame{}, fmt.Errorf("%w: chunk of %d bytes", ErrProtocol, len(f.Data))
	}
	return f, nil
}
