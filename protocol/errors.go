// Copyright 2025 Kadir Pekel
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

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrTimeoutExceeded reports that a per-turn await elapsed without the
// remote task reaching a terminal or input-required state. It is distinct
// from transport failure so callers can choose a different remedy.
var ErrTimeoutExceeded = errors.New("turn timeout exceeded")

// TransportError is a network-level failure talking to the remote agent.
// Transport errors are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a contract violation: the remote agent responded with
// a malformed or unexpected shape. Protocol errors are never retried.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// classify maps an a2a client error into the taxonomy. Connectivity
// failures become TransportError; context errors pass through untouched
// so deadline handling stays with the caller; everything else is treated
// as a contract violation.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &TransportError{Op: op, Err: err}
	}

	return &ProtocolError{Op: op, Detail: "unexpected response", Err: err}
}
