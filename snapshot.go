package rkstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type snapshot struct {
	CashRegisters  []*CashRegisterState `json:"cashRegisters"`
	UsedReceiptIDs snapshotIDs          `json:"usedReceiptIds"`
}

type snapshotIDs struct {
	BackendType Backend         `json:"backendType"`
	Data        json.RawMessage `json:"data"`
}

// MarshalJSON encodes the cluster as an indented snapshot document.
func (c *ClusterState) MarshalJSON() ([]byte, error) {
	data, err := c.ids.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("used receipt ids: %w", err)
	}
	regs := c.registers
	if regs == nil {
		regs = []*CashRegisterState{}
	}
	b, err := json.MarshalIndent(snapshot{
		CashRegisters:  regs,
		UsedReceiptIDs: snapshotIDs{BackendType: c.ids.Backend(), Data: data},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WriteTo writes the snapshot document to w.
func (c *ClusterState) WriteTo(w io.Writer) (int64, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadClusterState decodes a snapshot and opens the ID backend it names. If
// expect is not empty the snapshot must use that backend.
func ReadClusterState(r io.Reader, expect Backend) (*ClusterState, error) {
	var snap snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if snap.UsedReceiptIDs.BackendType == "" {
		return nil, fmt.Errorf("%w: used receipt ids backend missing", ErrInvalidState)
	}
	if expect != "" && snap.UsedReceiptIDs.BackendType != expect {
		return nil, fmt.Errorf("%w: snapshot uses %s, expected %s", ErrBackendMismatch, snap.UsedReceiptIDs.BackendType, expect)
	}
	for i, reg := range snap.CashRegisters {
		if reg == nil {
			return nil, fmt.Errorf("%w: cash register %d is null", ErrInvalidState, i)
		}
	}
	c := &ClusterState{registers: snap.CashRegisters}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ids, err := UnmarshalUsedReceiptIDs(snap.UsedReceiptIDs.BackendType, snap.UsedReceiptIDs.Data)
	if err != nil {
		return nil, err
	}
	c.ids = ids
	return c, nil
}

// LoadFile reads the snapshot at path.
func LoadFile(path string, expect Backend) (*ClusterState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ReadClusterState(bytes.NewReader(b), expect)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return c, nil
}

// SaveFile commits the ID index and atomically replaces the snapshot at
// path. Nothing is replaced if encoding or the commit fails.
func (c *ClusterState) SaveFile(path string) error {
	b, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := c.ids.Commit(); err != nil {
		return fmt.Errorf("commit used receipt ids: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	log.Debugw("saved cluster state", "path", path, "registers", len(c.registers))
	return nil
}
