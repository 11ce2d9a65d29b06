package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// InputStore keeps the last form inputs of the simulator UI. With a path the inputs are
// mirrored to a file and survive restarts.
type InputStore struct {
	mu     sync.RWMutex
	inputs []byte
	path   string
	logger zerolog.Logger
}

// NewInputStore loads previously persisted inputs from path when it exists.
func NewInputStore(path string, logger zerolog.Logger) (*InputStore, error) {
	s := &InputStore{path: path, logger: logger.With().Str("component", "InputStore").Logger()}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted inputs %s: %w", path, err)
	}
	if !json.Valid(data) {
		s.logger.Warn().Str("path", path).Msg("Ignoring persisted inputs that are not valid JSON")
		return s, nil
	}
	s.inputs = data
	return s, nil
}

// Save replaces the stored inputs. inputs must be valid JSON.
func (s *InputStore) Save(inputs []byte) error {
	if !json.Valid(inputs) {
		return errors.New("inputs are not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := writeFileAtomic(s.path, inputs); err != nil {
			return err
		}
	}
	s.inputs = append([]byte(nil), inputs...)
	return nil
}

// Load returns the stored inputs, or an empty object when nothing was saved.
func (s *InputStore) Load() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inputs == nil {
		return []byte("{}")
	}
	return append([]byte(nil), s.inputs...)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist inputs: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist inputs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist inputs: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
