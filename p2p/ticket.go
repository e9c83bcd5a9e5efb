package p2p

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	ticketVersion = 1

	// maxTicketDecoded bounds decompression of untrusted tickets.
	maxTicketDecoded = 64 * 1024
)

var ErrInvalidTicket = errors.New("invalid ticket")

// Ticket is what one peer hands to the other to connect: its session
// description with gathered ICE candidates and its public key. The sender's
// ticket carries the offer, the receiver's ticket carries the answer.
type Ticket struct {
	SDP string        `cbor:"1,keyasint"`
	Key [KeySize]byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	textEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("p2p: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic("p2p: cbor decoder: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic("p2p: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxTicketDecoded))
	if err != nil {
		panic("p2p: zstd decoder: " + err.Error())
	}
}

// Marshal encodes the ticket as a version byte followed by zstd-compressed CBOR.
func (t Ticket) Marshal() ([]byte, error) {
	raw, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("cbor.Marshal: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, []byte{ticketVersion}), nil
}

// UnmarshalTicket decodes a ticket produced by Marshal.
func UnmarshalTicket(data []byte) (Ticket, error) {
	if len(data) < 2 || data[0] != ticketVersion {
		return Ticket{}, fmt.Errorf("%w: unknown version", ErrInvalidTicket)
	}

	raw, err := zstdDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	var t Ticket
	if err := decMode.Unmarshal(raw, &t); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if t.SDP == "" {
		return Ticket{}, fmt.Errorf("%w: empty session description", ErrInvalidTicket)
	}
	return t, nil
}

// EncodeText renders a marshaled ticket for copy and paste.
func EncodeText(data []byte) string {
	return strings.ToLower(textEncoding.EncodeToString(data))
}

// DecodeText parses the output of EncodeText. Whitespace is ignored.
func DecodeText(text string) ([]byte, error) {
	clean := strings.ToUpper(strings.Join(strings.Fields(text), ""))
	data, err := textEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return data, nil
}
