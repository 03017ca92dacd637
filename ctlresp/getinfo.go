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

// Package ctlresp decodes ControlMessages into structured, per-command
// responses.
package ctlresp

import (
	"fmt"
	"strings"

	"github.com/oniongate/torctl/ctlsock"
)

// GetInfoResponse is the reply to a GETINFO query.
//
// Example:
//
//	250-version=0.2.3.11-alpha-dev (git-ef0bc7f8f26a917c)
//	250+config-text=
//	ControlPort 9051
//	DataDirectory /home/atagar/.tor
//	.
//	250 OK
type GetInfoResponse struct {
	// Mapping between the queried options and their values.
	Entries map[string]string
}

const unrecognizedKeyPrefix = `Unrecognized key "`

// ParseGetInfo decodes the reply to a GETINFO query. Unrecognized keys yield
// a *ctlsock.InvalidArgumentsError naming them; any other deviation from the
// expected shape yields a *ctlsock.ProtocolError.
func ParseGetInfo(m *ctlsock.ControlMessage) (*GetInfoResponse, error) {
	lines := m.ContentLines()

	if !m.IsOK() || lines[len(lines)-1] != "OK" {
		var unrecognized []string
		for _, line := range m.Lines() {
			if line.Code == "552" &&
				strings.HasPrefix(line.Content, unrecognizedKeyPrefix) &&
				strings.HasSuffix(line.Content, `"`) {
				unrecognized = append(
					unrecognized,
					line.Content[len(unrecognizedKeyPrefix):len(line.Content)-1])
			}
		}

		if len(unrecognized) > 0 {
			return nil, ctlsock.NewInvalidArguments(
				"552",
				fmt.Sprintf(
					"GETINFO request contained unrecognized keywords: %s",
					strings.Join(unrecognized, ", ")),
				unrecognized)
		}

		return nil, &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("GETINFO response didn't have an OK status:\n%s", m),
		}
	}

	// Drop the trailing OK.
	lines = lines[:len(lines)-1]

	entries := make(map[string]string, len(lines))
	for _, line := range lines {
		i := strings.Index(line, "=")
		if i < 0 {
			return nil, &ctlsock.ProtocolError{
				Reason: fmt.Sprintf(
					"GETINFO replies should only contain parameter=value mappings:\n%s", m),
			}
		}

		key, value := line[:i], line[i+1:]

		// A multiline value must be of the form '<key>=\n<value>'.
		if strings.Contains(value, "\n") {
			if !strings.HasPrefix(value, "\n") {
				return nil, &ctlsock.ProtocolError{
					Reason: fmt.Sprintf(
						"GETINFO response contained a multiline value that didn't start with a newline:\n%s", m),
				}
			}

			value = value[1:]
		}

		entries[key] = value
	}

	return &GetInfoResponse{Entries: entries}, nil
}
