// Package blobstream implements the chunked reliable-on-unreliable
// transfer of a game state snapshot described in spec.md §4.5 and
// §9: BlobStreamOut on the server side, channel allocation (127
// downward, wrapping), and compression of the snapshot payload with
// github.com/golang/snappy before chunking, mirroring the compression
// wiring of the teacher's replay writer.
package blobstream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
)

// ChannelStart is the first channel id handed out; allocation
// decrements from here, wrapping to ChannelStart after 0.
const ChannelStart uint8 = 127

// ChunkPayloadOctets bounds how much compressed-state data one outbound
// chunk datagram carries, leaving room for the wire frame header and
// the chunk's own offset/length prefix.
const ChunkPayloadOctets = 1100

// Out streams one compressed snapshot to a single downloading client,
// chunk by chunk, tracking which ranges still need (re)sending.
type Out struct {
	Channel    uint8
	rawOctets  int
	compressed []byte
	sentUpTo   int
}

// NewOut compresses state with snappy and prepares it for chunked
// delivery on channel. The uncompressed length of state is retained
// separately so TotalOctetCount can report the snapshot's real size
// (spec.md §8): compression is purely a wire-efficiency detail of how
// the chunks themselves are transmitted.
func NewOut(channel uint8, state []byte) *Out {
	return &Out{Channel: channel, rawOctets: len(state), compressed: snappy.Encode(nil, state)}
}

// TotalOctetCount returns the uncompressed snapshot size the client
// should expect once every chunk has been reassembled and decompressed.
func (o *Out) TotalOctetCount() uint32 { return uint32(o.rawOctets) }

// CompressedOctetCount returns the on-wire size of the compressed
// stream NextChunks walks; DownloadGameStateStatus.ReceivedOctetCount
// is accounted against this, not TotalOctetCount, since chunk offsets
// address the compressed stream.
func (o *Out) CompressedOctetCount() uint32 { return uint32(len(o.compressed)) }

// Done reports whether every octet has been acknowledged as sent.
func (o *Out) Done() bool { return o.sentUpTo >= len(o.compressed) }

// NextChunks returns as many chunk datagram payloads as remain to
// cover the unacknowledged tail, each framed as
// {offset: u32, length: u16, bytes}. May legally return more than one
// chunk per call, matching spec.md §4.5's "may legally produce
// multiple outbound datagrams per inbound ack".
func (o *Out) NextChunks() [][]byte {
	var chunks [][]byte
	offset := o.sentUpTo
	for offset < len(o.compressed) {
		end := offset + ChunkPayloadOctets
		if end > len(o.compressed) {
			end = len(o.compressed)
		}
		chunk := make([]byte, 6+(end-offset))
		binary.LittleEndian.PutUint32(chunk[0:4], uint32(offset))
		binary.LittleEndian.PutUint16(chunk[4:6], uint16(end-offset))
		copy(chunk[6:], o.compressed[offset:end])
		chunks = append(chunks, chunk)
		offset = end
	}
	return chunks
}

// Ack advances the stream's acknowledged frontier to receivedOctetCount,
// the bookkeeping a DownloadGameStateStatus message drives.
func (o *Out) Ack(receivedOctetCount uint32) {
	if int(receivedOctetCount) > o.sentUpTo {
		o.sentUpTo = int(receivedOctetCount)
	}
}

// In reassembles chunks produced by Out, used by test harnesses and by
// any client-side adapter exercising this package.
type In struct {
	buf *bytes.Buffer
}

// NewIn constructs an empty reassembly buffer.
func NewIn() *In { return &In{buf: &bytes.Buffer{}} }

// Receive appends one chunk's payload, validating its offset lines up
// with what has already been reassembled.
func (in *In) Receive(chunk []byte) error {
	if len(chunk) < 6 {
		return nberr.New("blobstream.Receive", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("chunk of %d octets shorter than chunk header", len(chunk)))
	}
	offset := binary.LittleEndian.Uint32(chunk[0:4])
	length := binary.LittleEndian.Uint16(chunk[4:6])
	if int(offset) != in.buf.Len() {
		return nberr.New("blobstream.Receive", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("chunk offset %d does not match reassembled length %d", offset, in.buf.Len()))
	}
	if len(chunk)-6 != int(length) {
		return nberr.New("blobstream.Receive", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("declared length %d does not match payload of %d octets", length, len(chunk)-6))
	}
	in.buf.Write(chunk[6:])
	return nil
}

// Decompress returns the reassembled snapshot, undoing the snappy
// compression Out applied.
func (in *In) Decompress() ([]byte, error) {
	out, err := snappy.Decode(nil, in.buf.Bytes())
	if err != nil {
		return nil, nberr.New("blobstream.Decompress", nberr.CategoryProtocol, nberr.CodeMalformedPayload, err)
	}
	return out, nil
}

// ChannelAllocator hands out blob-stream channel ids, decrementing from
// ChannelStart and wrapping to it. A channel already in use is skipped;
// allocation fails only when every channel is in use (spec.md §9's Open
// Question on wraparound policy).
type ChannelAllocator struct {
	next  uint8
	inUse map[uint8]bool
}

// NewChannelAllocator constructs an allocator starting at ChannelStart.
func NewChannelAllocator() *ChannelAllocator {
	return &ChannelAllocator{next: ChannelStart, inUse: make(map[uint8]bool)}
}

// Allocate returns the next free channel id, or an error if the
// candidate (after one full wraparound) is still busy.
func (a *ChannelAllocator) Allocate() (uint8, error) {
	candidate := a.next
	start := candidate
	for {
		if !a.inUse[candidate] {
			a.inUse[candidate] = true
			a.advance()
			return candidate, nil
		}
		candidate = decrementWrapping(candidate)
		if candidate == start {
			return 0, nberr.New("blobstream.Allocate", nberr.CategoryCapacity, nberr.CodeCapacityExceeded,
				fmt.Errorf("no free blob-stream channel"))
		}
	}
}

func (a *ChannelAllocator) advance() { a.next = decrementWrapping(a.next) }

func decrementWrapping(channel uint8) uint8 {
	if channel == 0 {
		return ChannelStart
	}
	return channel - 1
}

// Release frees channel for reuse.
func (a *ChannelAllocator) Release(channel uint8) {
	delete(a.inUse, channel)
}
