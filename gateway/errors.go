// Copyright 2025 AegisGate
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

package gateway

import (
	"errors"
	"fmt"

	"aegisgate/platform/shared/types"
)

// ErrConfigurationMissing is returned when no permission entry resolves for
// a name. Absence of configuration is always an error, never a silent allow.
var ErrConfigurationMissing = errors.New("no security configuration found")

// ErrPermissionDenied is returned when a manual approval wait times out or
// the operator explicitly denies the call. It is terminal for the call.
var ErrPermissionDenied = errors.New("permission denied")

// ErrCallNotFound is returned by call-end when the call id is not part of
// the session's history.
var ErrCallNotFound = errors.New("call not found in session")

// ErrSessionNotFound is returned for reads of sessions the gateway has
// never seen.
var ErrSessionNotFound = errors.New("session not found")

// SecurityViolationError is returned when the data-access tracker rejects a
// call. It is recoverable only through the manual approval workflow.
type SecurityViolationError struct {
	Reason string // one of types.Reason* constants
	Kind   types.Kind
	Name   string
}

func (e *SecurityViolationError) Error() string {
	switch e.Reason {
	case types.ReasonDisabled:
		return fmt.Sprintf("%s '%s' blocked: disabled in permissions", e.Kind, e.Name)
	case types.ReasonACLDowngrade:
		return fmt.Sprintf("%s '%s' blocked: write to lower-classified destination after higher-classified read", e.Kind, e.Name)
	case types.ReasonTrifecta:
		return fmt.Sprintf("%s '%s' blocked: lethal trifecta achieved", e.Kind, e.Name)
	case types.ReasonTrifectaPrevent:
		return fmt.Sprintf("%s '%s' blocked: call would complete the lethal trifecta", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s '%s' blocked: %s", e.Kind, e.Name, e.Reason)
}

// configurationMissingError wraps ErrConfigurationMissing with the name and
// kind that failed to resolve, so errors.Is still matches the sentinel.
func configurationMissingError(kind types.Kind, name string) error {
	return fmt.Errorf("%w for %s '%s': all %ss must be explicitly configured in %s_permissions.json",
		ErrConfigurationMissing, kind, name, kind, kind)
}
