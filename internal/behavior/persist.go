package behavior

import (
	"encoding/json"
)

// ToDocument renders a snapshot as the generic map the durable store accepts.
func (s Snapshot) ToDocument() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SnapshotFromDocument rebuilds a snapshot from a stored document.
func SnapshotFromDocument(doc map[string]any) (Snapshot, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
