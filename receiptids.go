package rkstate

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
)

var idsLog = logging.Logger("rkstate/receiptids")

// Backend names a used receipt ID storage strategy. It is persisted with
// every snapshot.
type Backend string

const (
	BackendMemory  Backend = "memory"
	BackendSQLite  Backend = "sqlite"
	BackendLevelDB Backend = "leveldb"
	BackendFile    Backend = "file"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendMemory, BackendSQLite, BackendLevelDB, BackendFile}

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	for _, v := range Backends {
		if b == v {
			return true
		}
	}
	return false
}

// UsedReceiptIDs is the cluster wide, append-only set of receipt IDs that
// were accepted by any register.
//
// Add and BulkLoad are staged until Commit. Contains and Len observe staged
// changes.
type UsedReceiptIDs interface {
	Backend() Backend
	Contains(id string) (bool, error)
	// Add records id. It fails with ErrDuplicateReceipt if id is present.
	Add(id string) error
	// BulkLoad replaces the whole content with ids.
	BulkLoad(ids []string) error
	Len() (int, error)
	// Commit makes staged changes durable.
	Commit() error
	Close() error
	// MarshalState returns the backend specific "data" of the snapshot.
	MarshalState() (json.RawMessage, error)
}

// OpenUsedReceiptIDs creates an empty memory index or opens an external one
// located at path.
func OpenUsedReceiptIDs(backend Backend, path string) (UsedReceiptIDs, error) {
	switch backend {
	case BackendMemory:
		return newMemoryIDs(nil), nil
	case BackendSQLite, BackendLevelDB, BackendFile:
		if path == "" {
			return nil, fmt.Errorf("backend %s: path required", backend)
		}
		return openExternal(backend, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// UnmarshalUsedReceiptIDs opens the index described by a snapshot's
// usedReceiptIds entry.
func UnmarshalUsedReceiptIDs(backend Backend, data json.RawMessage) (UsedReceiptIDs, error) {
	switch backend {
	case BackendMemory:
		var ids []string
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ids); err != nil {
				return nil, fmt.Errorf("%w: memory backend data: %v", ErrInvalidState, err)
			}
		}
		return newMemoryIDs(ids), nil
	case BackendSQLite, BackendLevelDB, BackendFile:
		var loc externalLocation
		if err := json.Unmarshal(data, &loc); err != nil {
			return nil, fmt.Errorf("%w: %s backend data: %v", ErrInvalidState, backend, err)
		}
		if loc.Path == "" {
			return nil, fmt.Errorf("%w: %s backend without path", ErrInvalidState, backend)
		}
		return openExternal(backend, loc.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// idStore is the durable part of an external backend.
type idStore interface {
	has(id string) (bool, error)
	count() (int, error)
	// commit removes everything first if clear is set, then adds ids. An id
	// that is already stored fails the whole commit with ErrDuplicateReceipt.
	commit(clear bool, ids []string) error
	close() error
}

type externalLocation struct {
	Path string `json:"path"`
}

const containsCacheSize = 1 << 16

// externalIDs stages changes in memory in front of an idStore. IDs are never
// removed except by BulkLoad, so the cache only remembers hits.
type externalIDs struct {
	backend Backend
	path    string
	store   idStore

	cleared bool
	added   mapset.Set[string]
	hits    *lru.Cache[string, struct{}]
}

func openExternal(backend Backend, path string) (*externalIDs, error) {
	var (
		st  idStore
		err error
	)
	switch backend {
	case BackendSQLite:
		st, err = openSQLiteIDs(path)
	case BackendLevelDB:
		st, err = openLevelDBIDs(path)
	case BackendFile:
		st, err = openFileIDs(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend %s: %w", backend, path, err)
	}
	hits, err := lru.New[string, struct{}](containsCacheSize)
	if err != nil {
		_ = st.close()
		return nil, err
	}
	idsLog.Debugw("opened used receipt ids", "backend", backend, "path", path)
	return &externalIDs{
		backend: backend,
		path:    path,
		store:   st,
		added:   mapset.NewThreadUnsafeSet[string](),
		hits:    hits,
	}, nil
}

func (e *externalIDs) Backend() Backend { return e.backend }

func (e *externalIDs) Contains(id string) (bool, error) {
	if e.added.Contains(id) {
		return true, nil
	}
	if e.cleared {
		return false, nil
	}
	if e.hits.Contains(id) {
		return true, nil
	}
	ok, err := e.store.has(id)
	if err != nil {
		return false, err
	}
	if ok {
		e.hits.Add(id, struct{}{})
	}
	return ok, nil
}

func (e *externalIDs) Add(id string) error {
	ok, err := e.Contains(id)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReceipt, id)
	}
	e.added.Add(id)
	return nil
}

func (e *externalIDs) BulkLoad(ids []string) error {
	e.cleared = true
	e.added = mapset.NewThreadUnsafeSet[string](ids...)
	e.hits.Purge()
	idsLog.Warnw("replacing used receipt ids", "backend", e.backend, "count", e.added.Cardinality())
	return nil
}

func (e *externalIDs) Len() (int, error) {
	if e.cleared {
		return e.added.Cardinality(), nil
	}
	n, err := e.store.count()
	if err != nil {
		return 0, err
	}
	return n + e.added.Cardinality(), nil
}

func (e *externalIDs) Commit() error {
	if !e.cleared && e.added.Cardinality() == 0 {
		return nil
	}
	if err := e.store.commit(e.cleared, e.added.ToSlice()); err != nil {
		return err
	}
	idsLog.Debugw("committed used receipt ids", "backend", e.backend, "added", e.added.Cardinality(), "cleared", e.cleared)
	e.cleared = false
	e.added.Clear()
	return nil
}

func (e *externalIDs) Close() error { return e.store.close() }

func (e *externalIDs) MarshalState() (json.RawMessage, error) {
	return json.Marshal(externalLocation{Path: e.path})
}
