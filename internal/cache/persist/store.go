// Package persist is the optional on-disk second tier behind C6's
// in-memory ShaderMap: compiled SPIR-V survives a process restart, keyed
// by the same ShaderKey fingerprint the in-memory cache uses, so a
// title's shaders don't retranslate every boot (SPEC_FULL §1/§9).
package persist

import (
	"bytes"
	"encoding/gob"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/rpcsx-go/gcnproc/internal/diag"
	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
)

// Store is a badger-backed key-value store from a fingerprint string to
// a gob-encoded gcnconvert.Shader, satisfying gpucache.ShaderPersistence.
type Store struct {
	log *diag.Logger
	db  *badger.DB
}

// Open opens (creating if absent) a badger database at dir. An empty dir
// uses badger's in-memory mode, useful for tests that want the same
// interface without touching disk.
func Open(log *diag.Logger, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil) // badger's own logger would bypass internal/diag

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: open %q: %w", dir, err)
	}
	return &Store{log: log, db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up fp, returning (shader, true, nil) on a hit and (_, false,
// nil) on a clean miss; only I/O or decode failures return an error.
func (s *Store) Get(fp string) (gcnconvert.Shader, bool, error) {
	var shader gcnconvert.Shader
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fp))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&shader)
		})
	})
	if err != nil {
		return gcnconvert.Shader{}, false, fmt.Errorf("persist: get %q: %w", fp, err)
	}
	if shader.SPIRV == nil {
		return gcnconvert.Shader{}, false, nil
	}
	return shader, true, nil
}

// Put stores shader under fp, overwriting any prior entry.
func (s *Store) Put(fp string, shader gcnconvert.Shader) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(shader); err != nil {
		return fmt.Errorf("persist: encode %q: %w", fp, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fp), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("persist: put %q: %w", fp, err)
	}
	if s.log != nil {
		s.log.Debug("persist: cached shader %q (%d SPIR-V words)", fp, len(shader.SPIRV))
	}
	return nil
}
