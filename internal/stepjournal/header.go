// Package stepjournal persists authoritative step frames and
// connection lifecycle events to disk for post-hoc inspection and
// deterministic reconstruction of a session, independent of the
// in-memory stepstore.Store ring a live Server drives from.
package stepjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for journal header documents.
const HeaderSchemaVersion = 1

// Header represents the metadata persisted alongside a journal bundle.
type Header struct {
	SchemaVersion      int    `json:"schema_version"`
	ServerID           string `json:"server_id"`
	ApplicationVersion uint32 `json:"application_version"`
	InitialStepID      uint32 `json:"initial_step_id"`
	FilePointer        string `json:"file_pointer"`
}

// Validate ensures the header contains enough information for tooling
// to locate the journal artefact it describes.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	//1.- Encode using indented JSON so manual inspection remains readable.
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	//2.- Terminate with a newline so POSIX tooling can append easily.
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a journal header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
