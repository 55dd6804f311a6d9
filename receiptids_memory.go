package rkstate

import (
	"encoding/json"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// memoryIDs keeps the exact set in process. Its content is stored inline in
// the snapshot, so Commit has nothing to do.
type memoryIDs struct {
	ids mapset.Set[string]
}

func newMemoryIDs(ids []string) *memoryIDs {
	return &memoryIDs{ids: mapset.NewThreadUnsafeSet[string](ids...)}
}

func (m *memoryIDs) Backend() Backend { return BackendMemory }

func (m *memoryIDs) Contains(id string) (bool, error) { return m.ids.Contains(id), nil }

func (m *memoryIDs) Add(id string) error {
	if !m.ids.Add(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateReceipt, id)
	}
	return nil
}

func (m *memoryIDs) BulkLoad(ids []string) error {
	m.ids = mapset.NewThreadUnsafeSet[string](ids...)
	idsLog.Warnw("replacing used receipt ids", "backend", BackendMemory, "count", m.ids.Cardinality())
	return nil
}

func (m *memoryIDs) Len() (int, error) { return m.ids.Cardinality(), nil }

func (m *memoryIDs) Commit() error { return nil }

func (m *memoryIDs) Close() error { return nil }

// MarshalState returns the IDs as a sorted JSON array.
func (m *memoryIDs) MarshalState() (json.RawMessage, error) {
	ids := m.ids.ToSlice()
	slices.Sort(ids)
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}
