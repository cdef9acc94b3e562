package stepstore

import (
	"testing"

	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
)

func TestWriteMustMatchExpectedWriteID(t *testing.T) {
	s, err := New(4, stepid.ID(0x100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Write(stepid.ID(0x101), []byte{0x01}); err == nil {
		t.Fatalf("expected write at wrong id to fail")
	}
	if err := s.Write(stepid.ID(0x100), []byte{0x01}); err != nil {
		t.Fatalf("Write at expectedWriteId: %v", err)
	}
	if s.ExpectedWriteID() != stepid.ID(0x101) {
		t.Fatalf("expectedWriteId = %v, want 0x101", s.ExpectedWriteID())
	}
	if s.StepsCount() != 1 {
		t.Fatalf("stepsCount = %d, want 1", s.StepsCount())
	}
}

func TestReadOutsideWindowFails(t *testing.T) {
	s, _ := New(4, stepid.ID(0))
	if _, err := s.Read(stepid.ID(0)); err == nil {
		t.Fatalf("expected read before any write to fail")
	}
	_ = s.Write(stepid.ID(0), []byte{0xAA})
	got, err := s.Read(stepid.ID(0))
	if err != nil || string(got) != "\xaa" {
		t.Fatalf("Read(0) = %v, %v", got, err)
	}
	if _, err := s.Read(stepid.ID(1)); err == nil {
		t.Fatalf("expected read past expectedWriteId to fail")
	}
}

func TestWriteFailsWhenFull(t *testing.T) {
	s, _ := New(2, stepid.ID(0))
	_ = s.Write(stepid.ID(0), []byte{0x01})
	_ = s.Write(stepid.ID(1), []byte{0x02})
	if err := s.Write(stepid.ID(2), []byte{0x03}); err == nil {
		t.Fatalf("expected write to fail once ring is full")
	}
}

func TestDiscardCountAdvancesReadID(t *testing.T) {
	s, _ := New(4, stepid.ID(0))
	_ = s.Write(stepid.ID(0), []byte{1})
	_ = s.Write(stepid.ID(1), []byte{2})
	if err := s.DiscardCount(1); err != nil {
		t.Fatalf("DiscardCount: %v", err)
	}
	if s.ExpectedReadID() != stepid.ID(1) {
		t.Fatalf("expectedReadId = %v, want 1", s.ExpectedReadID())
	}
	if s.StepsCount() != 1 {
		t.Fatalf("stepsCount = %d, want 1", s.StepsCount())
	}
}

func TestDiscardUpToClampsAtStepsCount(t *testing.T) {
	s, _ := New(8, stepid.ID(0))
	for i := 0; i < 5; i++ {
		_ = s.Write(stepid.ID(i), []byte{byte(i)})
	}
	if err := s.DiscardUpTo(stepid.ID(100)); err != nil {
		t.Fatalf("DiscardUpTo: %v", err)
	}
	if s.StepsCount() != 0 {
		t.Fatalf("stepsCount = %d, want 0 after discarding past the write frontier", s.StepsCount())
	}
}

func TestReadRangeClampsToAvailable(t *testing.T) {
	s, _ := New(8, stepid.ID(0x100))
	for i := 0; i < 3; i++ {
		_ = s.Write(stepid.Add(stepid.ID(0x100), int32(i)), []byte{byte(0xAA + i)})
	}
	entries := s.ReadRange(stepid.ID(0x100), 10)
	if len(entries) != 3 {
		t.Fatalf("ReadRange returned %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		want := stepid.Add(stepid.ID(0x100), int32(i))
		if e.ID != want {
			t.Fatalf("entry %d id = %v, want %v", i, e.ID, want)
		}
	}
}

func TestReinitResetsWindow(t *testing.T) {
	s, _ := New(4, stepid.ID(0))
	_ = s.Write(stepid.ID(0), []byte{1})
	s.Reinit(stepid.ID(0x151))
	if s.ExpectedReadID() != stepid.ID(0x151) || s.ExpectedWriteID() != stepid.ID(0x151) {
		t.Fatalf("Reinit did not reset read/write ids")
	}
	if s.StepsCount() != 0 {
		t.Fatalf("Reinit did not reset stepsCount")
	}
}
