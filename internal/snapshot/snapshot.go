// Package snapshot reads and writes portable .apmsnap archives of store
// records: four magic bytes, a version byte, then a gzip-compressed JSON payload.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// MagicBytes open every snapshot: APMS.
var MagicBytes = []byte{0x41, 0x50, 0x4D, 0x53}

// Version of the payload layout.
const Version = 1

// Extension is the conventional file suffix.
const Extension = ".apmsnap"

// Manifest describes a snapshot without its records.
type Manifest struct {
	CreatedAt     time.Time `json:"created_at"`
	Projects      []string  `json:"projects"`
	ArtifactCount int       `json:"artifact_count"`
	HandoverCount int       `json:"handover_count"`
	MemoryCount   int       `json:"memory_count"`
	Producer      string    `json:"producer,omitempty"`
}

// Payload is the JSON content inside the gzip stream.
type Payload struct {
	Manifest Manifest    `json:"manifest"`
	Dump     *store.Dump `json:"dump"`
}

// NewManifest summarizes d.
func NewManifest(d *store.Dump, producer string, now time.Time) Manifest {
	m := Manifest{CreatedAt: now.UTC(), Producer: producer, Projects: []string{}}
	if d == nil {
		return m
	}
	for _, p := range d.Projects {
		m.Projects = append(m.Projects, p.ID)
	}
	m.ArtifactCount = len(d.Artifacts)
	m.HandoverCount = len(d.Handovers)
	m.MemoryCount = len(d.Memory)
	return m
}

// Write encodes p to w.
func Write(w io.Writer, p *Payload) error {
	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(Version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(p); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush payload: %w", err)
	}
	return nil
}

// Read decodes a snapshot from r.
func Read(r io.Reader) (*Payload, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, fmt.Errorf("invalid file format: not an apm snapshot")
	}
	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", version, Version)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var p Payload
	if err := json.NewDecoder(gz).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if p.Dump == nil {
		p.Dump = &store.Dump{}
	}
	return &p, nil
}

// WriteFile writes p to path, replacing any existing file.
func WriteFile(path string, p *Payload) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Write(f, p); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadFile reads the snapshot at path.
func ReadFile(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f)
}
