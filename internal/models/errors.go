// Copyright (c) 2026 John Earle
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

package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLabelExists is returned by label creation when the label is already
	// present in the mailbox. Callers treat it as success.
	ErrLabelExists = errors.New("label already exists")

	// ErrNotFound is returned by provider adapters for a missing resource.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when a provider answers HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is returned when a provider answers with a 5xx status.
	ErrUnavailable = errors.New("provider unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// ValidationError reports a malformed input payload. It is never retried.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Problems, "; ")
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError wraps a failure of an external provider (sandbox, AI,
// Graph). Timeout marks polling that exceeded its bound.
type ProviderError struct {
	Provider string
	Op       string
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timed out: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
