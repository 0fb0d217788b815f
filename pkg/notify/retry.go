// Copyright 2025 Nocturne Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"errors"
	"net"
	"strings"
)

// MaxRetries is the ceiling on how many times a notification is requeued
// before it is dropped.
const MaxRetries = 3

// transientKeywords classify wrapped foreign errors whose type information
// was lost. Typed checks run first; this heuristic is the fallback.
var transientKeywords = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"unavailable",
	"rate limit",
}

// IsTransient reports whether an error is worth retrying. Transport and
// deadline errors are transient; everything else is permanent unless its
// message matches a known transient keyword.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range transientKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}
