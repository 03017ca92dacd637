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

package ctlresp

import (
	"fmt"
	"strings"

	"github.com/oniongate/torctl/ctlsock"
)

// SingleLineResponse is the generic acknowledgement reply used by SETCONF,
// RESETCONF, LOADCONF, SAVECONF and similar commands.
type SingleLineResponse struct {
	Code    string
	Message string
}

// ParseSingleLine decodes a reply expected to consist of exactly one line.
func ParseSingleLine(m *ctlsock.ControlMessage) (*SingleLineResponse, error) {
	lines := m.Lines()

	if len(lines) > 1 {
		return nil, &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("Received multiline response:\n%s", m),
		}
	}

	line := lines[0]
	if strings.Contains(line.Content, "\n") {
		return nil, &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("Received response with a data block:\n%s", m),
		}
	}

	return &SingleLineResponse{Code: line.Code, Message: line.Content}, nil
}

// IsOK reports whether the response has a 250 status.
func (r *SingleLineResponse) IsOK() bool {
	return r.Code == "250"
}
