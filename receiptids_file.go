package rkstate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
)

// fileIDs is an append-only file of ID records (see receiptids_codec.go).
// The file is locked exclusively from open to close and its content is kept
// in memory for lookups.
type fileIDs struct {
	f   *os.File
	ids mapset.Set[string]
}

func openFileIDs(path string) (*fileIDs, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open id file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock id file: %w", err)
	}
	s := &fileIDs{f: f, ids: mapset.NewThreadUnsafeSet[string]()}
	if err := s.load(); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (s *fileIDs) load() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek id file: %w", err)
	}
	data, err := io.ReadAll(s.f)
	if err != nil {
		return fmt.Errorf("read id file: %w", err)
	}
	if err := decodeIDRecords(data, func(id string) { s.ids.Add(id) }); err != nil {
		return fmt.Errorf("decode id file: %w", err)
	}
	return nil
}

func (s *fileIDs) has(id string) (bool, error) { return s.ids.Contains(id), nil }

func (s *fileIDs) count() (int, error) { return s.ids.Cardinality(), nil }

func (s *fileIDs) commit(clear bool, ids []string) error {
	if !clear {
		for _, id := range ids {
			if s.ids.Contains(id) {
				return fmt.Errorf("%w: %s", ErrDuplicateReceipt, id)
			}
		}
	}
	var buf []byte
	for _, id := range ids {
		buf = appendIDRecord(buf, id)
	}
	if clear {
		if err := s.f.Truncate(0); err != nil {
			return fmt.Errorf("truncate id file: %w", err)
		}
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek id file: %w", err)
	}
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("write id file: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync id file: %w", err)
	}
	if clear {
		s.ids.Clear()
	}
	s.ids.Append(ids...)
	return nil
}

func (s *fileIDs) close() error {
	var result *multierror.Error
	if err := syscall.Flock(int(s.f.Fd()), syscall.LOCK_UN); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlock id file: %w", err))
	}
	if err := s.f.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close id file: %w", err))
	}
	return result.ErrorOrNil()
}
