package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// corpusFile is the on-disk shape of a standards corpus.
// Either a bare array of controls or a wrapped object is accepted.
type corpusFile struct {
	Standard string    `json:"standard"`
	Controls []Control `json:"controls"`
}

// LoadCorpus reads a JSON corpus file of controls.
func LoadCorpus(path string) ([]Control, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus file: %w", err)
	}

	var controls []Control
	if err := json.Unmarshal(data, &controls); err == nil {
		return controls, nil
	}

	var wrapped corpusFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing corpus file %s: %w", path, err)
	}
	return wrapped.Controls, nil
}

// Ingest loads a corpus file and upserts its controls into the store under
// the given standard identifier.
func Ingest(ctx context.Context, store Store, standardID, path string) (int, error) {
	controls, err := LoadCorpus(path)
	if err != nil {
		return 0, err
	}
	if len(controls) == 0 {
		return 0, fmt.Errorf("corpus file %s contains no controls", path)
	}
	if err := store.AddControls(ctx, standardID, controls); err != nil {
		return 0, err
	}
	return len(controls), nil
}
