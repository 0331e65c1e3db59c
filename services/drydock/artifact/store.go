// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is one artifact line: the instance identifier plus the owning
// stage's payload. The payload is kept as raw JSON so records written by an
// earlier run round-trip byte-identically through later runs.
type Record struct {
	// InstanceID is the benchmark instance this record belongs to.
	InstanceID string `json:"instance_id"`

	// Payload is the stage-specific content, opaque to the store.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRecord builds a Record by marshaling a stage payload.
//
// Inputs:
//
//	instanceID - The benchmark instance ID. Must be non-empty.
//	payload - The stage payload. Must marshal to JSON.
//
// Outputs:
//
//	Record - The encoded record.
//	error - Non-nil on empty ID, nil payload, or marshal failure.
func NewRecord(instanceID string, payload any) (Record, error) {
	if instanceID == "" {
		return Record{}, ErrEmptyInstanceID
	}
	if payload == nil {
		return Record{}, ErrNilPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encoding payload for %s: %w", instanceID, err)
	}
	return Record{InstanceID: instanceID, Payload: raw}, nil
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("decoding payload for %s: %w", r.InstanceID, ErrNilPayload)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decoding payload for %s: %w", r.InstanceID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store is an append-only, instance-keyed record store.
//
// Description:
//
//	Every pipeline stage writes its per-instance results through a Store.
//	At most one record may exist per instance ID. Records are never
//	rewritten or deleted; re-runs append only missing instances.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Within a stage, many
//	workers funnel their results into a single Store.
type Store interface {
	// Append adds one record. Returns ErrDuplicateInstance if a record
	// for the same instance ID already exists.
	Append(rec Record) error

	// Has reports whether a record exists for the instance ID.
	Has(instanceID string) bool

	// Get returns the record for the instance ID.
	Get(instanceID string) (Record, bool)

	// InstanceIDs returns all recorded instance IDs in insertion order.
	InstanceIDs() []string

	// Count returns the number of records.
	Count() int

	// MissingFrom returns the subset of ids with no record yet, preserving
	// input order. This is the skip-existing primitive: a resuming stage
	// processes exactly the IDs returned here.
	MissingFrom(ids []string) []string
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory Store for tests and dry runs.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Append adds one record.
func (s *MemoryStore) Append(rec Record) error {
	if rec.InstanceID == "" {
		return ErrEmptyInstanceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.InstanceID]; exists {
		return fmt.Errorf("appending %s: %w", rec.InstanceID, ErrDuplicateInstance)
	}
	s.records[rec.InstanceID] = rec
	s.order = append(s.order, rec.InstanceID)
	return nil
}

// Has reports whether a record exists for the instance ID.
func (s *MemoryStore) Has(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[instanceID]
	return ok
}

// Get returns the record for the instance ID.
func (s *MemoryStore) Get(instanceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[instanceID]
	return rec, ok
}

// InstanceIDs returns all recorded instance IDs in insertion order.
func (s *MemoryStore) InstanceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns the number of records.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MissingFrom returns the subset of ids with no record, in input order.
func (s *MemoryStore) MissingFrom(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// -----------------------------------------------------------------------------
// FileStore
// -----------------------------------------------------------------------------

// FileStore is the production Store: one JSONL file, one record per line.
//
// Description:
//
//	Open loads any existing records (so skip-existing sees prior runs),
//	then holds the file open in append mode. Appends go through a single
//	mutex-guarded encoder, so concurrent workers never interleave lines.
//	The file is never truncated; lines written by earlier runs stay
//	byte-identical.
//
// Thread Safety: Safe for concurrent use.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	file    *os.File
	enc     *json.Encoder
	records map[string]Record
	order   []string
	closed  bool
}

// OpenFile opens (or creates) the artifact file at path.
//
// Description:
//
//	Creates parent directories as needed. Existing lines are loaded;
//	malformed lines are skipped with a warning, never rewritten. Duplicate
//	instance IDs in an existing file keep the first occurrence, matching
//	the at-most-one-record invariant downstream readers rely on.
//
// Inputs:
//
//	path - The artifact file path.
//	logger - Logger for load diagnostics. If nil, uses slog.Default().
//
// Outputs:
//
//	*FileStore - The opened store. Caller must Close it.
//	error - Non-nil if the directory or file cannot be created or read.
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	s := &FileStore{
		path:    path,
		logger:  logger,
		records: make(map[string]Record),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", path, err)
	}
	s.file = file
	s.enc = json.NewEncoder(file)

	return s, nil
}

// load reads existing records from the artifact file.
func (s *FileStore) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading artifact %s: %w", s.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Repair payloads carry whole diffs; allow lines well past the default.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	malformed := 0
	duplicates := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.InstanceID == "" {
			malformed++
			continue
		}
		if _, exists := s.records[rec.InstanceID]; exists {
			duplicates++
			continue
		}
		s.records[rec.InstanceID] = rec
		s.order = append(s.order, rec.InstanceID)
	}
	if malformed > 0 || duplicates > 0 {
		s.logger.Warn("skipped unreadable artifact lines",
			slog.String("path", s.path),
			slog.Int("malformed", malformed),
			slog.Int("duplicates", duplicates),
		)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning artifact %s: %w", s.path, err)
	}
	return nil
}

// Append adds one record and writes it to the file.
func (s *FileStore) Append(rec Record) error {
	if rec.InstanceID == "" {
		return ErrEmptyInstanceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.records[rec.InstanceID]; exists {
		return fmt.Errorf("appending %s: %w", rec.InstanceID, ErrDuplicateInstance)
	}

	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing record for %s: %w", rec.InstanceID, err)
	}
	s.records[rec.InstanceID] = rec
	s.order = append(s.order, rec.InstanceID)
	return nil
}

// Has reports whether a record exists for the instance ID.
func (s *FileStore) Has(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[instanceID]
	return ok
}

// Get returns the record for the instance ID.
func (s *FileStore) Get(instanceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[instanceID]
	return rec, ok
}

// InstanceIDs returns all recorded instance IDs in insertion order.
func (s *FileStore) InstanceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns the number of records.
func (s *FileStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MissingFrom returns the subset of ids with no record, in input order.
func (s *FileStore) MissingFrom(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Path returns the artifact file path.
func (s *FileStore) Path() string {
	return s.path
}

// Close syncs and closes the underlying file.
//
// Safe to call multiple times.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("syncing artifact %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing artifact %s: %w", s.path, err)
	}
	return nil
}

// Exists reports whether an artifact file is present at path.
//
// The orchestrator uses this to enforce input-artifact preconditions
// before a stage is allowed to start.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadFile reads an artifact file into a MemoryStore without keeping the
// file open.
//
// Description:
//
//	Stages that consume an upstream artifact only need to read it. LoadFile
//	gives them an in-memory snapshot so the file handle is released before
//	the stage starts its own writes. Malformed and duplicate lines are
//	skipped the same way OpenFile skips them.
//
// Inputs:
//
//	path - Location of the artifact file. Must exist.
//	logger - Logger for skipped-line warnings. If nil, uses slog.Default().
//
// Outputs:
//
//	*MemoryStore - Snapshot of the readable records, in file order.
//	error - Non-nil if the file cannot be opened or scanned.
func LoadFile(path string, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	store := NewMemoryStore()
	malformed := 0
	duplicates := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.InstanceID == "" {
			malformed++
			continue
		}
		if store.Has(rec.InstanceID) {
			duplicates++
			continue
		}
		if err := store.Append(rec); err != nil {
			return nil, err
		}
	}
	if malformed > 0 || duplicates > 0 {
		logger.Warn("skipped unreadable artifact lines",
			slog.String("path", path),
			slog.Int("malformed", malformed),
			slog.Int("duplicates", duplicates),
		)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning artifact %s: %w", path, err)
	}
	return store, nil
}
