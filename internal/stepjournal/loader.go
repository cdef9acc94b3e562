package stepjournal

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// TimelineEntryKind distinguishes journal entries once merged.
type TimelineEntryKind string

const (
	KindStepFrame TimelineEntryKind = "step_frame"
	KindEvent     TimelineEntryKind = "event"
)

// TimelineEntry represents a single journal datum ready for
// deterministic iteration.
type TimelineEntry struct {
	Kind       TimelineEntryKind
	StepID     uint32
	CapturedAt time.Time
	EventType  string
	Payload    []byte
}

// Loader rehydrates a journal bundle written by Writer for inspection
// or deterministic reconstruction tooling.
type Loader struct {
	entries []TimelineEntry
}

// Load reads back the bundle rooted at dir (as produced by
// NewWriter(root, ...)'s returned Directory()).
func Load(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}

	events, err := loadEvents(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	frames, err := loadFrames(filepath.Join(dir, "frames.bin.zst"))
	if err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}

	entries := make([]TimelineEntry, 0, len(events)+len(frames))
	entries = append(entries, events...)
	entries = append(entries, frames...)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CapturedAt.Equal(entries[j].CapturedAt) {
			return entries[i].StepID < entries[j].StepID
		}
		return entries[i].CapturedAt.Before(entries[j].CapturedAt)
	})

	return &Loader{entries: entries}, nil
}

func loadEvents(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := snappy.NewReader(file)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var entries []TimelineEntry
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var record struct {
			StepID     uint32 `json:"step_id"`
			CapturedAt string `json:"captured_at"`
			Type       string `json:"type"`
			PayloadB64 string `json:"payload_b64"`
		}
		if err := decoder.Decode(&record); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(record.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Kind:       KindEvent,
			StepID:     record.StepID,
			CapturedAt: captured,
			EventType:  record.Type,
			Payload:    payload,
		})
	}
	return entries, nil
}

func loadFrames(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var entries []TimelineEntry
	offset := 0
	for offset < len(data) {
		if offset+16 > len(data) {
			return nil, fmt.Errorf("truncated step-frame header at offset %d", offset)
		}
		stepID := binary.LittleEndian.Uint32(data[offset : offset+4])
		capturedNano := int64(binary.LittleEndian.Uint64(data[offset+4 : offset+12]))
		length := binary.LittleEndian.Uint32(data[offset+12 : offset+16])
		offset += 16
		if offset+int(length) > len(data) {
			return nil, fmt.Errorf("truncated step-frame payload at offset %d", offset)
		}
		payload := append([]byte(nil), data[offset:offset+int(length)]...)
		offset += int(length)
		entries = append(entries, TimelineEntry{
			Kind:       KindStepFrame,
			StepID:     stepID,
			CapturedAt: time.Unix(0, capturedNano).UTC(),
			Payload:    payload,
		})
	}
	return entries, nil
}

// Replay iterates over the loaded entries in deterministic order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
