package blobstream

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestOutInRoundTrip(t *testing.T) {
	state := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 500)
	out := NewOut(10, state)
	in := NewIn()
	for !out.Done() {
		chunks := out.NextChunks()
		if len(chunks) == 0 {
			t.Fatalf("NextChunks returned nothing before Done()")
		}
		for _, chunk := range chunks {
			if err := in.Receive(chunk); err != nil {
				t.Fatalf("Receive: %v", err)
			}
		}
		out.Ack(out.CompressedOctetCount())
	}
	got, err := in.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("round-tripped state mismatch: got %d bytes, want %d", len(got), len(state))
	}
}

func TestTotalOctetCountReportsUncompressedSize(t *testing.T) {
	// Mirrors spec.md §8 Scenario 2's worked example literally: a
	// 2-octet snapshot reports totalOctetCount=2 even though
	// snappy.Encode of those same two bytes is 4 octets on the wire.
	state := []byte{0xFE, 0xFE}
	out := NewOut(5, state)
	if got := out.TotalOctetCount(); got != uint32(len(state)) {
		t.Fatalf("TotalOctetCount = %d, want %d", got, len(state))
	}
	if compressed := out.CompressedOctetCount(); compressed == out.TotalOctetCount() {
		t.Fatalf("expected compressed size to differ from the raw size for this fixture, both were %d", compressed)
	}
}

func TestOutChunksRespectMTUBudget(t *testing.T) {
	// Pseudo-random octets barely compress, so the snappy output stays
	// close to 10,000 octets and must be split across several chunks.
	state := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(state)
	out := NewOut(1, state)
	chunks := out.NextChunks()
	if len(chunks) < 2 {
		t.Fatalf("expected a large snapshot to require multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > ChunkPayloadOctets+6 {
			t.Fatalf("chunk of %d octets exceeds budget", len(c))
		}
	}
}

func TestChannelAllocatorStartsAt127AndDecrements(t *testing.T) {
	a := NewChannelAllocator()
	first, err := a.Allocate()
	if err != nil || first != ChannelStart {
		t.Fatalf("first allocation = %d, %v; want %d", first, err, ChannelStart)
	}
	second, err := a.Allocate()
	if err != nil || second != ChannelStart-1 {
		t.Fatalf("second allocation = %d, %v; want %d", second, err, ChannelStart-1)
	}
}

func TestChannelAllocatorRejectsWhenExhausted(t *testing.T) {
	a := NewChannelAllocator()
	for i := 0; i <= int(ChannelStart); i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("allocation %d failed early: %v", i, err)
		}
	}
	if _, err := a.Allocate(); err == nil {
		t.Fatalf("expected allocation to fail once every channel is busy")
	}
}

func TestChannelAllocatorReleaseAllowsReuse(t *testing.T) {
	a := NewChannelAllocator()
	ch, _ := a.Allocate()
	a.Release(ch)
	for i := 0; i < int(ChannelStart); i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("expected released channel to be reusable: %v", err)
	}
}
