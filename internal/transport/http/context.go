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

package http

import "context"

type contextKey string

const (
	callerKey   contextKey = "caller"
	identityKey contextKey = "identity"
)

// GetCaller retrieves the authenticated caller name from context.
func GetCaller(ctx context.Context) string {
	if val, ok := ctx.Value(callerKey).(string); ok {
		return val
	}
	return ""
}

// GetIdentity retrieves the chat identity of an inbound message from context.
func GetIdentity(ctx context.Context) string {
	if val, ok := ctx.Value(identityKey).(string); ok {
		return val
	}
	return ""
}
