// Package p2p connects two peers over a WebRTC data channel using tickets
// exchanged out of band.
//
// The sender calls NewOfferer and publishes the returned ticket. The receiver
// passes that ticket to Dial and sends the returned answer back. The sender
// hands the answer to Offerer.Accept. Both sides then hold a Stream whose
// messages are sealed with keys carried in the tickets.
//
// ICE candidates are gathered completely before a ticket is produced, so a
// single offer/answer round trip is enough.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	channelLabel  = "beam"
	gatherTimeout = 10 * time.Second
)

var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionFailed  = errors.New("peer connection failed")
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config configures peer connections.
type Config struct {
	STUNServers []string

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
}

// DefaultConfig returns STUN servers from BEAM_STUN_SERVERS (comma separated)
// or the defaults.
func DefaultConfig() Config {
	cfg := Config{STUNServers: DefaultSTUNServers}
	if env := os.Getenv("BEAM_STUN_SERVERS"); env != "" {
		var servers []string
		for _, s := range strings.Split(env, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.STUNServers = servers
	}
	return cfg
}

func (c Config) newPeerConnection() (*webrtc.PeerConnection, error) {
	var iceServers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: c.STUNServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	if c.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// session is the state shared by both roles.
type session struct {
	pc     *webrtc.PeerConnection
	keys   KeyPair
	stream *Stream

	open     chan struct{}
	openOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once
}

func newSession(cfg Config) (*session, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	pc, err := cfg.newPeerConnection()
	if err != nil {
		return nil, err
	}

	s := &session{
		pc:     pc,
		keys:   keys,
		open:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	s.stream = newStream(pc)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("Peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.failOnce.Do(func() { close(s.failed) })
		}
	})

	return s, nil
}

// bind attaches the data channel to the session's stream.
func (s *session) bind(dc *webrtc.DataChannel) {
	s.stream.attach(dc)
	dc.OnOpen(func() {
		slog.Debug("Data channel opened", "label", dc.Label())
		s.openOnce.Do(func() { close(s.open) })
	})
}

// gather waits until all local ICE candidates are in the local description.
func (s *session) gather(ctx context.Context) error {
	done := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(gatherTimeout):
		return fmt.Errorf("ICE gathering: %w", ErrConnectionTimeout)
	}
}

func (s *session) localTicket() ([]byte, error) {
	desc := s.pc.LocalDescription()
	if desc == nil {
		return nil, errors.New("no local description")
	}
	return Ticket{SDP: desc.SDP, Key: s.keys.Public}.Marshal()
}

// waitOpen blocks until the data channel is open and returns the stream
// sealed for peerKey.
func (s *session) waitOpen(ctx context.Context, peerKey [KeySize]byte) (*Stream, error) {
	select {
	case <-s.open:
		s.stream.sealer = NewSealer(peerKey, s.keys)
		return s.stream, nil
	case <-s.failed:
		return nil, ErrConnectionFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) Close() error {
	return s.stream.Close()
}

// Offerer is the sender's side of a connection.
type Offerer struct {
	*session
}

// NewOfferer creates a peer connection with an offer and returns the ticket
// that lets a receiver dial it.
func NewOfferer(ctx context.Context, cfg Config) (*Offerer, []byte, error) {
	s, err := newSession(cfg)
	if err != nil {
		return nil, nil, err
	}

	ordered := true
	dc, err := s.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}
	s.bind(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("set local description: %w", err)
	}
	if err := s.gather(ctx); err != nil {
		s.pc.Close()
		return nil, nil, err
	}

	ticket, err := s.localTicket()
	if err != nil {
		s.pc.Close()
		return nil, nil, err
	}

	slog.Debug("Offer ready", "ticketBytes", len(ticket))
	return &Offerer{session: s}, ticket, nil
}

// Accept applies the receiver's answer and waits for the data channel.
func (o *Offerer) Accept(ctx context.Context, answer []byte) (*Stream, error) {
	t, err := UnmarshalTicket(answer)
	if err != nil {
		return nil, err
	}

	err = o.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  t.SDP,
	})
	if err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	return o.waitOpen(ctx, t.Key)
}

// Dialer is the receiver's side of a connection.
type Dialer struct {
	*session
	peerKey [KeySize]byte
}

// Dial answers the offer in ticket and returns the answer to send back to the
// offering peer.
func Dial(ctx context.Context, cfg Config, ticket []byte) (*Dialer, []byte, error) {
	t, err := UnmarshalTicket(ticket)
	if err != nil {
		return nil, nil, err
	}

	s, err := newSession(cfg)
	if err != nil {
		return nil, nil, err
	}

	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			slog.Warn("Ignoring unexpected data channel", "label", dc.Label())
			return
		}
		s.bind(dc)
	})

	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  t.SDP,
	})
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("set local description: %w", err)
	}
	if err := s.gather(ctx); err != nil {
		s.pc.Close()
		return nil, nil, err
	}

	answerTicket, err := s.localTicket()
	if err != nil {
		s.pc.Close()
		return nil, nil, err
	}

	return &Dialer{session: s, peerKey: t.Key}, answerTicket, nil
}

// Stream waits for the offering peer's data channel to open.
func (d *Dialer) Stream(ctx context.Context) (*Stream, error) {
	return d.waitOpen(ctx, d.peerKey)
}
