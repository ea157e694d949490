package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FileEntry describes one regular file at snapshot time.
type FileEntry struct {
	Hash uint64 `json:"hash"`
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

// FileSnapshot maps a file path to its state. A declared path that does not
// exist is absent from the map.
type FileSnapshot map[string]FileEntry

// ChangeKind classifies a difference between two snapshots.
type ChangeKind int

const (
	FileAdded ChangeKind = iota
	FileRemoved
	FileModified
)

func (k ChangeKind) String() string {
	switch k {
	case FileAdded:
		return "added"
	case FileRemoved:
		return "removed"
	case FileModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is a single path that differs between two snapshots.
type Change struct {
	Path string
	Kind ChangeKind
}

// Diff lists what changed going from prev to s, ordered by path.
func (s FileSnapshot) Diff(prev FileSnapshot) []Change {
	var changes []Change
	for path, entry := range s {
		old, ok := prev[path]
		switch {
		case !ok:
			changes = append(changes, Change{Path: path, Kind: FileAdded})
		case old != entry:
			changes = append(changes, Change{Path: path, Kind: FileModified})
		}
	}
	for path := range prev {
		if _, ok := s[path]; !ok {
			changes = append(changes, Change{Path: path, Kind: FileRemoved})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Record is what a unit's last successful execution left behind.
type Record struct {
	UnitID                string            `json:"unit_id"`
	KindFingerprint       uint64            `json:"kind_fingerprint"`
	PropertiesFingerprint uint64            `json:"properties_fingerprint"`
	Properties            map[string]uint64 `json:"properties,omitempty"` // Per-property fingerprints
	InputSnapshot         FileSnapshot      `json:"input_snapshot"`
	OutputSnapshot        FileSnapshot      `json:"output_snapshot"`
	RecordedAt            time.Time         `json:"recorded_at"`
}

func encodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding history record for %s: %w", r.UnitID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding history record: %w", err)
	}
	return &r, nil
}
