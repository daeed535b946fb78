// Copyright 2026 The Flyclaw Authors
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

package agentconfig

import (
	"errors"
	"strings"
)

var (
	// ErrDuplicateAgent is returned when a merge adds an agent id that already exists.
	ErrDuplicateAgent = errors.New("duplicate agent")
	// ErrDuplicateBinding is returned when a merge binds an identity that is already bound.
	ErrDuplicateBinding = errors.New("duplicate binding")
	// ErrInvariantViolation is returned when a replace payload breaks a config invariant.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrConflict is returned when a replace was based on a stale version.
	ErrConflict = errors.New("config version conflict")
	// ErrNoConfig is returned by a Persister that has never been written.
	ErrNoConfig = errors.New("no config stored")
)

// InvariantError lists the rules a config breaks.
type InvariantError struct {
	Violations []string
}

func (e *InvariantError) Error() string {
	return ErrInvariantViolation.Error() + ": " + strings.Join(e.Violations, "; ")
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}
