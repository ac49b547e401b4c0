// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package improve

import "errors"

// Sentinel errors for the improvement service surface.
var (
	// ErrRateLimited indicates the feedback ingestion limiter rejected
	// the request.
	ErrRateLimited = errors.New("feedback ingestion rate limited")

	// ErrNotReady indicates the service dependencies are not yet up.
	ErrNotReady = errors.New("service not ready")
)
