// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
)

// ForEachInstance runs fn for each instance ID with bounded parallelism.
//
// Description:
//
//	Instances are independent within a stage, so they run on a
//	semaphore-bounded worker pool. A per-instance error is logged and
//	counted but does not stop the pool; the instance simply ends the
//	stage without a record, and a later run picks it up again. Errors
//	wrapped with Fatal, and context cancellation, abort the remaining
//	instances.
//
// Inputs:
//
//	ctx - Cancels outstanding work.
//	ids - Instance IDs to process.
//	workers - Pool size. Values below 1 are treated as 1.
//	logger - Logger for per-instance failures. If nil, uses slog.Default().
//	fn - Work for one instance. Return ErrSkipInstance to drop an
//	     instance silently, or wrap with Fatal to abort the stage.
//
// Outputs:
//
//	error - The fatal error if one occurred, the context error if the
//	        run was canceled, nil otherwise.
func ForEachInstance(ctx context.Context, ids []string, workers int, logger *slog.Logger, fn func(ctx context.Context, id string) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	if fn == nil {
		return errors.New("instance function must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var fatal error
	var failed, skipped int

	for _, id := range ids {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			err := fn(ctx, id)
			if err == nil {
				return
			}

			var fe *FatalError
			switch {
			case errors.Is(err, ErrSkipInstance):
				mu.Lock()
				skipped++
				mu.Unlock()
			case errors.As(err, &fe), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				cancel()
			default:
				mu.Lock()
				failed++
				mu.Unlock()
				logger.Warn("instance failed",
					slog.String("instance", id),
					slog.Any("error", err),
				)
			}
		}(id)
	}
	wg.Wait()

	if fatal != nil {
		var fe *FatalError
		if errors.As(fatal, &fe) {
			return fe.Err
		}
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if failed > 0 || skipped > 0 {
		logger.Info("instance pool finished with gaps",
			slog.Int("total", len(ids)),
			slog.Int("failed", failed),
			slog.Int("skipped", skipped),
		)
	}
	return nil
}

// RunPerInstance is the standard body of a per-instance stage.
//
// Description:
//
//	Opens the stage's output artifact, determines which instances still
//	need a record, and runs process for each of them on a bounded pool.
//	Each successful result is appended as one record keyed by instance
//	ID. With skip-existing enabled (the default), instances that already
//	have a record are left untouched, which is what makes interrupted
//	runs resumable. With skip-existing disabled the output artifact is
//	reset and every instance is recomputed.
//
// Inputs:
//
//	ctx - Cancels outstanding work.
//	rc - The run context. Must not be nil.
//	handle - Output artifact handle, relative to the results root.
//	workers - Pool size for the instance loop.
//	process - Computes the record payload for one instance. Return
//	          ErrSkipInstance to drop an instance without a record.
//
// Outputs:
//
//	error - Non-nil if the artifact cannot be opened or written, or a
//	        fatal error aborted the pool.
func RunPerInstance(ctx context.Context, rc *RunContext, handle string, workers int, process func(ctx context.Context, id string) (any, error)) (err error) {
	if ctx == nil {
		return ErrNilContext
	}
	if rc == nil {
		return errors.New("run context must not be nil")
	}
	if process == nil {
		return errors.New("process function must not be nil")
	}

	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := rc.ArtifactPath(handle)
	if !rc.Config.SkipExisting {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("resetting artifact %s: %w", path, rmErr)
		}
	}

	store, err := rc.OpenArtifact(handle)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ids := store.MissingFrom(rc.InstanceIDs())
	if len(ids) == 0 {
		logger.Info("artifact already complete",
			slog.String("artifact", handle),
			slog.Int("records", store.Count()),
		)
		return nil
	}

	logger.Info("processing instances",
		slog.String("artifact", handle),
		slog.Int("pending", len(ids)),
		slog.Int("existing", store.Count()),
		slog.Int("workers", workers),
	)

	return ForEachInstance(ctx, ids, workers, logger, func(ctx context.Context, id string) error {
		payload, perr := process(ctx, id)
		if perr != nil {
			return perr
		}
		rec, rerr := artifact.NewRecord(id, payload)
		if rerr != nil {
			return Fatal(rerr)
		}
		if aerr := store.Append(rec); aerr != nil {
			return Fatal(aerr)
		}
		return nil
	})
}
