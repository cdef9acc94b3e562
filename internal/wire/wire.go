// Package wire implements the datagram framing, ordered-delivery codec
// and command payload encodings described in spec.md §4.2 and §6.
package wire

import (
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
)

// Command identifies the payload carried after the framing header.
type Command uint8

const (
	CommandJoinGameRequest Command = iota + 1
	CommandJoinGameResponse
	CommandGameStep
	CommandGameStepResponse
	CommandDownloadGameStateRequest
	CommandDownloadGameStateResponse
	CommandDownloadGameStateStatus
	// CommandBlobStreamChunk carries one blob-stream chunk payload
	// (channel id byte followed by a blobstream.Out chunk), the
	// follow-up sub-protocol spec.md §4.5 and §9 describe as living on
	// blobChannel rather than among the named request/response pairs.
	CommandBlobStreamChunk
)

// MaxDatagramOctets is the MTU enforced on every outbound datagram.
const MaxDatagramOctets = 1200

// HeaderLen is the fixed framing prefix: sequence id, reserved, command id.
const HeaderLen = 3

// Frame is a decoded datagram header plus its raw payload.
type Frame struct {
	SequenceID uint8
	Command    Command
	Payload    []byte
}

// EncodeFrame writes the three-byte header followed by payload. The
// caller supplies the already-advanced outbound sequence id.
func EncodeFrame(sequenceID uint8, command Command, payload []byte) ([]byte, error) {
	if HeaderLen+len(payload) > MaxDatagramOctets {
		return nil, nberr.New("wire.EncodeFrame", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("frame of %d octets exceeds MTU %d", HeaderLen+len(payload), MaxDatagramOctets))
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = sequenceID
	buf[1] = 0
	buf[2] = byte(command)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// DecodeFrame splits a raw datagram into its header fields and payload.
func DecodeFrame(datagram []byte) (Frame, error) {
	if len(datagram) < HeaderLen {
		return Frame{}, nberr.New("wire.DecodeFrame", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("datagram of %d octets shorter than header %d", len(datagram), HeaderLen))
	}
	return Frame{
		SequenceID: datagram[0],
		Command:    Command(datagram[2]),
		Payload:    datagram[HeaderLen:],
	}, nil
}

// OrderedDatagramCodec implements spec.md §4.2's per-direction wrapping
// sequence numbering with drop-on-reorder semantics inbound.
type OrderedDatagramCodec struct {
	hasReceivedInitial  bool
	expectedSequenceID  uint8
	nextSequenceIDToSend uint8
}

// NextOutboundSequenceID returns the sequence id to stamp on the next
// outbound datagram and advances the internal counter.
func (c *OrderedDatagramCodec) NextOutboundSequenceID() uint8 {
	id := c.nextSequenceIDToSend
	c.nextSequenceIDToSend++
	return id
}

// AcceptInbound reports whether a datagram carrying the given sequence
// id should be processed, updating expectedSequenceId on acceptance.
func (c *OrderedDatagramCodec) AcceptInbound(sequenceID uint8) bool {
	if !c.hasReceivedInitial {
		c.hasReceivedInitial = true
		c.expectedSequenceID = sequenceID + 1
		return true
	}
	if int8(sequenceID-c.expectedSequenceID) < 0 {
		return false
	}
	c.expectedSequenceID = sequenceID + 1
	return true
}

// HasReceivedInitialDatagram reports whether any inbound datagram has
// been accepted yet.
func (c *OrderedDatagramCodec) HasReceivedInitialDatagram() bool { return c.hasReceivedInitial }

// ExpectedSequenceID exposes the next inbound sequence id that will be accepted.
func (c *OrderedDatagramCodec) ExpectedSequenceID() uint8 { return c.expectedSequenceID }
