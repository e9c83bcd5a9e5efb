package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	// MaxMessageSize is the largest plaintext a single Send accepts.
	MaxMessageSize = 60 * 1024

	maxBufferedAmount  = 1024 * 1024
	bufferedAmountLow  = 256 * 1024
	incomingQueueDepth = 64
)

var ErrMessageTooLarge = errors.New("message too large")

// Stream is an ordered, message-oriented encrypted channel to the peer.
// Send and Receive may be called from different goroutines, but each from
// one goroutine at a time.
type Stream struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	sealer *Sealer

	incoming   chan []byte
	remoteDone sync.Once
	lowWater   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(pc *webrtc.PeerConnection) *Stream {
	return &Stream{
		pc:       pc,
		incoming: make(chan []byte, incomingQueueDepth),
		lowWater: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (s *Stream) attach(dc *webrtc.DataChannel) {
	s.dc = dc

	dc.SetBufferedAmountLowThreshold(bufferedAmountLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.lowWater <- struct{}{}:
		default:
		}
	})

	// Blocking here holds back pion's read loop, which is the backpressure
	// we want when the consumer is slower than the network.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case s.incoming <- msg.Data:
		case <-s.closed:
		}
	})

	// OnClose runs on the same goroutine as OnMessage, after the last message.
	dc.OnClose(func() {
		slog.Debug("Data channel closed", "label", dc.Label())
		s.remoteDone.Do(func() { close(s.incoming) })
	})

	dc.OnError(func(err error) {
		slog.Debug("Data channel error", "label", dc.Label(), "error", err)
	})
}

// Send seals msg and writes it as one data channel message, waiting while the
// send buffer is full.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%d bytes: %w", len(msg), ErrMessageTooLarge)
	}

	sealed, err := s.sealer.Seal(msg)
	if err != nil {
		return err
	}

	for s.dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-s.lowWater:
		case <-s.closed:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.dc.Send(sealed); err != nil {
		return fmt.Errorf("dc.Send: %w", err)
	}
	return nil
}

// Receive returns the next message. It returns io.EOF once the peer has
// closed the channel and every message before the close has been read.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case sealed, ok := <-s.incoming:
		if !ok {
			return nil, io.EOF
		}
		return s.sealer.Open(sealed)
	case <-s.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush waits until everything handed to Send has left the send buffer.
func (s *Stream) Flush(ctx context.Context) error {
	s.dc.SetBufferedAmountLowThreshold(0)
	defer s.dc.SetBufferedAmountLowThreshold(bufferedAmountLow)

	for s.dc.BufferedAmount() > 0 {
		select {
		case <-s.lowWater:
		case <-s.closed:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes the data channel and the peer connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.dc != nil {
			err = s.dc.Close()
		}
		err = errors.Join(err, s.pc.Close())
	})
	return err
}
