// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedcache tracks which repository content has already been
// embedded into the retrieval index.
//
// Embedding a benchmark repository is the expensive half of retrieval,
// so the cache persists a marker per indexed chunk (and per completed
// instance) under the persist directory. A resumed run looks markers up
// before embedding anything and only pays for the gaps. Losing the
// cache is safe; the worst case is re-embedding.
//
// Markers live in BadgerDB: an embedded KV store with no external
// service to run, which matches the pipeline's single-binary batch
// shape. In-memory mode backs the tests.
package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key namespaces. Chunk markers record one embedded piece of content;
// instance markers record that a whole instance finished indexing.
const (
	chunkPrefix    = "chunk:"
	instancePrefix = "indexed:"
)

// Config holds the cache configuration.
type Config struct {
	// Path is the cache directory, usually {persist-dir}/cache.
	// Required unless InMemory is set.
	Path string

	// InMemory keeps markers in RAM only. Used by tests.
	InMemory bool

	// SyncWrites makes marker writes durable before Mark returns. A
	// lost marker costs one re-embedding, so the default keeps it on.
	SyncWrites bool

	// GCInterval is how often the value log garbage collector runs.
	// Zero disables it. Ignored in memory.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a value log
	// rewrite.
	GCDiscardRatio float64

	// Logger receives badger's internal logging. Nil silences it.
	Logger *slog.Logger
}

// DefaultConfig returns the persistent configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the test configuration: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Cache is the marker store. Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// Open opens the cache, creating the directory as needed. The caller
// owns the returned cache and must Close it.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required unless in-memory")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening embed cache: %w", err)
	}

	c := &Cache{db: db, logger: cfg.Logger}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		c.gcStop = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

// Close stops the garbage collector and closes the store.
func (c *Cache) Close() error {
	if c.gcStop != nil {
		close(c.gcStop)
		<-c.gcDone
		c.gcStop = nil
	}
	return c.db.Close()
}

// Has reports whether a marker exists.
func (c *Cache) Has(key string) (bool, error) {
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading embed cache: %w", err)
	}
	return found, nil
}

// Missing filters keys down to the ones without a marker, preserving
// order. The indexer embeds exactly these.
func (c *Cache) Missing(keys []string) ([]string, error) {
	var out []string
	err := c.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			_, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				out = append(out, key)
			case err != nil:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading embed cache: %w", err)
	}
	return out, nil
}

// Mark records markers for the given keys. The value is the marking
// time, kept only for manual inspection. A write batch holds the whole
// set, so marking survives key counts beyond a single transaction.
func (c *Cache) Mark(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	for _, key := range keys {
		if err := wb.Set([]byte(key), stamp); err != nil {
			return fmt.Errorf("marking %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("writing embed cache: %w", err)
	}
	return nil
}

// ChunkKey derives the marker key for one chunk of repository content.
// The digest covers the instance, the file path, and the exact chunk
// text: any content change produces a new key and re-embeds.
func ChunkKey(instanceID, path, chunk string) string {
	h := sha256.New()
	h.Write([]byte(instanceID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(chunk))
	return chunkPrefix + hex.EncodeToString(h.Sum(nil))
}

// InstanceKey derives the marker key recording that an instance's
// structure was fully indexed. Checked first so resumed runs skip the
// chunk walk outright.
func InstanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

// runGC triggers value log garbage collection until Close. Markers are
// tiny, so a rewrite rarely fires; ErrNoRewrite is the normal outcome.
func (c *Cache) runGC(interval time.Duration, ratio float64) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
				c.logger.Warn("embed cache GC failed", slog.Any("error", err))
			}
		}
	}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
