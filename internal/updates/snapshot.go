package updates

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
)

// Snapshot is a versioned fingerprint of one tool definition.
type Snapshot struct {
	Tool    mcp.Tool
	Hash    uint64
	Version int
	TakenAt time.Time
}

// fingerprint is what a change is measured over. The schema is decoded so
// key order and whitespace do not count as changes.
type fingerprint struct {
	Name        string
	Description string
	Schema      any
}

// Hash returns the structural hash of a tool definition.
func Hash(tool mcp.Tool) (uint64, error) {
	fp := fingerprint{Name: tool.Name, Description: tool.Description}
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &fp.Schema); err != nil {
			return 0, fmt.Errorf("hash %s: input schema: %w", tool.Name, err)
		}
	}
	return hashstructure.Hash(fp, hashstructure.FormatV2, nil)
}

// TakeSnapshot fingerprints tool as version 1.
func TakeSnapshot(tool mcp.Tool) (Snapshot, error) {
	h, err := Hash(tool)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Tool: tool, Hash: h, Version: 1, TakenAt: time.Now()}, nil
}
