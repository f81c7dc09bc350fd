// Package state persists versioned job state on disk.
//
// Every file is a CBOR envelope carrying a schema version and a kind tag so
// that state written by an incompatible build is rejected instead of being
// misread. Writes go through a temp file and a rename, so a reader sees
// either the previous or the new state, never a torn one.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Version is the envelope schema version.
const Version = 1

// ErrIncompatible is returned for state files of another version or kind.
var ErrIncompatible = errors.New("incompatible state file")

type envelope struct {
	Version int             `cbor:"v"`
	Kind    string          `cbor:"kind"`
	SavedAt int64           `cbor:"saved_at"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// WriteFile atomically replaces path with v wrapped in an envelope.
func WriteFile(path, kind string, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s state: %w", kind, err)
	}
	data, err := cbor.Marshal(envelope{
		Version: Version,
		Kind:    kind,
		SavedAt: time.Now().Unix(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// ReadFile decodes the envelope at path into v. It reports false if the
// file does not exist.
func ReadFile(path, kind string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state: %w", err)
	}

	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrIncompatible, path, err)
	}
	if env.Version != Version {
		return false, fmt.Errorf("%w: %s: version %d, want %d", ErrIncompatible, path, env.Version, Version)
	}
	if env.Kind != kind {
		return false, fmt.Errorf("%w: %s: kind %q, want %q", ErrIncompatible, path, env.Kind, kind)
	}
	if err := cbor.Unmarshal(env.Payload, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrIncompatible, path, err)
	}
	return true, nil
}
