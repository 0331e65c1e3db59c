// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/drydock/services/drydock/embedcache"
)

// CodeChunkClassName is the Weaviate class that holds repository chunks.
const CodeChunkClassName = "CodeChunk"

const (
	defaultBatchSize = 100

	// chunkFanout is how many chunk hits to fetch per requested file.
	// Chunk hits collapse onto files, so the query over-fetches.
	chunkFanout = 8
)

// WeaviateConfig configures a WeaviateIndex. Zero values get sensible
// defaults; only URL is required.
type WeaviateConfig struct {
	// URL is the Weaviate endpoint, e.g. "http://localhost:8080".
	URL string

	// Class overrides the Weaviate class name. Defaults to
	// CodeChunkClassName.
	Class string

	// BatchSize caps objects per batch insert.
	BatchSize int

	// StartupTimeout bounds the initial readiness wait.
	StartupTimeout time.Duration

	// Cache records which chunks and instances are already indexed so
	// later runs skip re-embedding them. Optional.
	Cache *embedcache.Cache

	// Retry and circuit breaker tuning.
	RetryAttempts    int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	RetryJitter      float64
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	Logger *slog.Logger
}

func (c *WeaviateConfig) applyDefaults() {
	if c.Class == "" {
		c.Class = CodeChunkClassName
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.25
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = 30 * time.Second
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for invalid values.
func (c *WeaviateConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("URL is required")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RetryJitter must be in [0, 1], got %v", c.RetryJitter)
	}
	return nil
}

// WeaviateIndex implements Index against a Weaviate vector store.
//
// Description:
//
//	Files are split into chunks, embedded server-side by the
//	text2vec-transformers module, and searched with nearText against the
//	issue text. Chunk hits fold onto files by keeping each file's best
//	certainty. All network calls go through a retrying circuit breaker,
//	and an optional marker cache skips chunks indexed by earlier runs.
//
// Thread Safety: Safe for concurrent use.
type WeaviateIndex struct {
	client  *weaviate.Client
	breaker *breaker
	cache   *embedcache.Cache
	class   string
	batch   int
	logger  *slog.Logger
}

var _ Index = (*WeaviateIndex)(nil)

// NewWeaviateIndex connects to Weaviate, waits for it to report ready,
// and creates the chunk class if it does not exist.
//
// Inputs:
//
//	ctx - Context bounding the startup wait
//	cfg - Configuration; see WeaviateConfig
//
// Outputs:
//
//	*WeaviateIndex - Ready-to-use index
//	error - Non-nil if the config is invalid or the store never came up
func NewWeaviateIndex(ctx context.Context, cfg WeaviateConfig) (*WeaviateIndex, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL: %s", cfg.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}

	w := &WeaviateIndex{
		client: client,
		breaker: newBreaker(breakerConfig{
			retryAttempts:    cfg.RetryAttempts,
			retryBackoff:     cfg.RetryBackoff,
			maxRetryBackoff:  cfg.MaxRetryBackoff,
			retryJitter:      cfg.RetryJitter,
			circuitThreshold: cfg.CircuitThreshold,
			circuitWindow:    cfg.CircuitWindow,
			circuitCooldown:  cfg.CircuitCooldown,
		}, cfg.Logger),
		cache:  cfg.Cache,
		class:  cfg.Class,
		batch:  cfg.BatchSize,
		logger: cfg.Logger,
	}

	if err := w.waitReady(ctx, cfg.StartupTimeout); err != nil {
		return nil, err
	}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// State reports the circuit breaker's view of the connection.
func (w *WeaviateIndex) State() State {
	return w.breaker.State()
}

// waitReady polls the readiness endpoint until the store responds or the
// timeout expires.
func (w *WeaviateIndex) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := w.client.Misc().ReadyChecker().Do(ctx)
		if err == nil && ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("weaviate not ready after %s: %w", timeout, ErrIndexUnavailable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ensureSchema creates the chunk class if it does not exist. Idempotent.
func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(w.class).Do(ctx)
	if err == nil {
		return nil
	}

	w.logger.Info("creating weaviate class", slog.String("class", w.class))
	if err := w.client.Schema().ClassCreator().WithClass(codeChunkClass(w.class)).Do(ctx); err != nil {
		return fmt.Errorf("creating class %s: %w", w.class, err)
	}
	return nil
}

// codeChunkClass returns the Weaviate class definition for repository
// chunks. Only content is vectorized; instanceId and path exist for
// filtering and result assembly.
func codeChunkClass(name string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	skipVectorization := map[string]interface{}{
		"text2vec-transformers": map[string]interface{}{
			"skip": true,
		},
	}

	return &models.Class{
		Class:       name,
		Description: "Repository file chunks searched against issue text",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		Properties: []*models.Property{
			{
				Name:            "instanceId",
				DataType:        []string{"text"},
				Description:     "Benchmark instance the chunk belongs to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skipVectorization,
			},
			{
				Name:            "path",
				DataType:        []string{"text"},
				Description:     "Repository-relative file path",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skipVectorization,
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "Chunk text, vectorized for semantic search",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
		},
	}
}

// chunkObject is one chunk staged for insertion.
type chunkObject struct {
	key     string
	path    string
	content string
}

// chunkDocs splits every document and keys each chunk for the marker
// cache. Paths are walked in sorted order so chunking is deterministic.
func chunkDocs(instanceID string, docs map[string]string) []chunkObject {
	paths := make([]string, 0, len(docs))
	for path := range docs {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var chunks []chunkObject
	for _, path := range paths {
		for _, content := range splitDocument(path, docs[path]) {
			chunks = append(chunks, chunkObject{
				key:     embedcache.ChunkKey(instanceID, path, content),
				path:    path,
				content: content,
			})
		}
	}
	return chunks
}

// EnsureIndexed makes the instance's documents queryable.
//
// Description:
//
//	Splits each file into chunks and batch-inserts the ones the marker
//	cache has not seen. Once every chunk is in, the instance itself is
//	marked so repeat calls return without touching the documents. Cache
//	failures degrade to re-indexing, never to an error.
func (w *WeaviateIndex) EnsureIndexed(ctx context.Context, instanceID string, docs map[string]string) error {
	if w.cache != nil {
		done, err := w.cache.Has(embedcache.InstanceKey(instanceID))
		if err != nil {
			w.logger.Warn("embed cache read failed",
				slog.String("instance", instanceID),
				slog.Any("error", err))
		} else if done {
			return nil
		}
	}

	chunks := chunkDocs(instanceID, docs)
	pending := w.missingChunks(instanceID, chunks)

	for start := 0; start < len(pending); start += w.batch {
		end := start + w.batch
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		objects := make([]*models.Object, len(batch))
		for i, c := range batch {
			objects[i] = &models.Object{
				Class: w.class,
				Properties: map[string]interface{}{
					"instanceId": instanceID,
					"path":       c.path,
					"content":    c.content,
				},
			}
		}

		err := w.breaker.execute(ctx, "index", func(ctx context.Context) error {
			result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
			if err != nil {
				return err
			}
			for _, obj := range result {
				if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
					return fmt.Errorf("chunk rejected: %s", obj.Result.Errors.Error[0].Message)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("indexing %s: %w", instanceID, err)
		}

		w.markChunks(instanceID, batch)
	}

	if len(pending) > 0 {
		w.logger.Info("instance indexed",
			slog.String("instance", instanceID),
			slog.Int("files", len(docs)),
			slog.Int("chunks", len(chunks)),
			slog.Int("inserted", len(pending)))
	}

	w.markInstance(instanceID)
	return nil
}

// missingChunks filters out chunks the marker cache has already seen.
// Without a cache, or when the cache errors, everything is pending.
func (w *WeaviateIndex) missingChunks(instanceID string, chunks []chunkObject) []chunkObject {
	if w.cache == nil || len(chunks) == 0 {
		return chunks
	}

	keys := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = c.key
	}

	missing, err := w.cache.Missing(keys)
	if err != nil {
		w.logger.Warn("embed cache lookup failed",
			slog.String("instance", instanceID),
			slog.Any("error", err))
		return chunks
	}

	missingSet := make(map[string]struct{}, len(missing))
	for _, k := range missing {
		missingSet[k] = struct{}{}
	}

	pending := make([]chunkObject, 0, len(missing))
	for _, c := range chunks {
		if _, ok := missingSet[c.key]; ok {
			pending = append(pending, c)
			// Identical chunks share a key; insert once.
			delete(missingSet, c.key)
		}
	}
	return pending
}

func (w *WeaviateIndex) markChunks(instanceID string, batch []chunkObject) {
	if w.cache == nil {
		return
	}
	keys := make([]string, len(batch))
	for i, c := range batch {
		keys[i] = c.key
	}
	if err := w.cache.Mark(keys...); err != nil {
		w.logger.Warn("embed cache write failed",
			slog.String("instance", instanceID),
			slog.Any("error", err))
	}
}

func (w *WeaviateIndex) markInstance(instanceID string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Mark(embedcache.InstanceKey(instanceID)); err != nil {
		w.logger.Warn("embed cache write failed",
			slog.String("instance", instanceID),
			slog.Any("error", err))
	}
}

// Query returns up to k files ranked by the nearText relevance of their
// best chunk. Duplicate chunks from retried batches fold away because
// each file keeps only its highest certainty.
func (w *WeaviateIndex) Query(ctx context.Context, instanceID, issue string, k int) ([]ScoredFile, error) {
	if k < 1 {
		return nil, nil
	}
	issue = strings.TrimSpace(issue)
	if issue == "" {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"instanceId"}).
		WithOperator(filters.Equal).
		WithValueString(instanceID)

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{issue})

	fields := []graphql.Field{
		{Name: "path"},
		{Name: "_additional { certainty }"},
	}

	// Fetch more chunks than files requested so folding still fills k.
	fetchLimit := k * chunkFanout
	if fetchLimit < 30 {
		fetchLimit = 30
	}

	var result *models.GraphQLResponse
	err := w.breaker.execute(ctx, "query", func(ctx context.Context) error {
		resp, err := w.client.GraphQL().Get().
			WithClassName(w.class).
			WithFields(fields...).
			WithWhere(where).
			WithNearText(nearText).
			WithLimit(fetchLimit).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			return fmt.Errorf("graphql: %s", resp.Errors[0].Message)
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", instanceID, err)
	}

	return rankFiles(result, w.class, k), nil
}

// rankFiles folds chunk hits into per-file scores, keeping each file's
// best certainty. Ties break on path so ranking is stable.
func rankFiles(result *models.GraphQLResponse, class string, k int) []ScoredFile {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}

	best := make(map[string]float64, len(objects))
	order := make([]string, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}
		path, _ := m["path"].(string)
		if path == "" {
			continue
		}

		certainty := 0.0
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				certainty = c
			}
		}

		prev, seen := best[path]
		if !seen {
			best[path] = certainty
			order = append(order, path)
		} else if certainty > prev {
			best[path] = certainty
		}
	}

	results := make([]ScoredFile, 0, len(order))
	for _, path := range order {
		results = append(results, ScoredFile{Path: path, Score: best[path]})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
