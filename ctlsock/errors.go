// Copyright 2015 Google Inc. All Rights Reserved.
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

package ctlsock

import "fmt"

// SocketError indicates a transport fault while using the control socket.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("control socket error: %v", e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// SocketClosedError indicates the control socket was shut down, either by
// the peer or locally.
type SocketClosedError struct {
	Reason string
}

func (e *SocketClosedError) Error() string {
	if e.Reason == "" {
		return "control socket is closed"
	}

	return fmt.Sprintf("control socket is closed: %s", e.Reason)
}

// ProtocolError indicates content from the socket that violates the control
// protocol, or a reply whose shape a parser cannot accept.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

// OperationFailedError indicates a command that tor understood but could not
// carry out.
type OperationFailedError struct {
	Code    string
	Message string
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

// InvalidRequestError indicates a command that was syntactically valid but
// semantically rejected by tor.
type InvalidRequestError struct {
	OperationFailedError
}

// Unwrap exposes the failure hierarchy: callers matching for a
// *OperationFailedError also match the more specific kinds.
func (e *InvalidRequestError) Unwrap() error {
	return &e.OperationFailedError
}

// InvalidArgumentsError is an InvalidRequestError where the rejection names
// specific arguments, for instance unrecognized GETINFO keys.
type InvalidArgumentsError struct {
	InvalidRequestError

	// The offending argument names.
	Arguments []string
}

func (e *InvalidArgumentsError) Unwrap() error {
	return &e.InvalidRequestError
}

func NewOperationFailed(code, message string) *OperationFailedError {
	return &OperationFailedError{Code: code, Message: message}
}

func NewInvalidRequest(code, message string) *InvalidRequestError {
	return &InvalidRequestError{
		OperationFailedError: OperationFailedError{Code: code, Message: message},
	}
}

func NewInvalidArguments(code, message string, arguments []string) *InvalidArgumentsError {
	return &InvalidArgumentsError{
		InvalidRequestError: InvalidRequestError{
			OperationFailedError: OperationFailedError{Code: code, Message: message},
		},
		Arguments: arguments,
	}
}
