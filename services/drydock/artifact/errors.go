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

import "errors"

var (
	// ErrEmptyInstanceID is returned when a record has no instance ID.
	ErrEmptyInstanceID = errors.New("record has empty instance ID")

	// ErrDuplicateInstance is returned when appending a record for an
	// instance ID that already has one in this artifact.
	ErrDuplicateInstance = errors.New("instance already recorded in artifact")

	// ErrStoreClosed is returned when operations are called on a closed store.
	ErrStoreClosed = errors.New("artifact store is closed")

	// ErrNilPayload is returned when encoding a nil stage payload.
	ErrNilPayload = errors.New("nil stage payload")
)
