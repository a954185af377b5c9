package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryState is the supervisor's in-memory view of application state: a
// set of named opaque sections that collaborators (conversation state, the
// workflow engine's resume hooks) publish into. It implements Snapshotter.
type MemoryState struct {
	mu       sync.RWMutex
	sections map[string]json.RawMessage
}

// NewMemoryState creates an empty state registry.
func NewMemoryState() *MemoryState {
	return &MemoryState{sections: make(map[string]json.RawMessage)}
}

// Set stores a section, replacing any previous value. The value must be
// JSON-marshalable.
func (s *MemoryState) Set(section string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal section %q: %w", section, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[section] = raw
	return nil
}

// SetRaw stores a pre-encoded section blob.
func (s *MemoryState) SetRaw(section string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[section] = append(json.RawMessage(nil), raw...)
}

// Get decodes a section into v. Returns false if the section is absent.
func (s *MemoryState) Get(section string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.sections[section]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode section %q: %w", section, err)
	}
	return true, nil
}

// Sections lists stored section names, sorted.
func (s *MemoryState) Sections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot implements Snapshotter. The encoding is a plain JSON object so
// blobs stay inspectable in diagnostics.
func (s *MemoryState) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.sections)
}

// Restore implements Snapshotter, replacing all sections with the
// checkpointed ones.
func (s *MemoryState) Restore(ctx context.Context, blob []byte) error {
	sections := make(map[string]json.RawMessage)
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &sections); err != nil {
			return fmt.Errorf("failed to decode state blob: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections = sections
	return nil
}
