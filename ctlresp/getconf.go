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

// GetConfResponse is the reply to a GETCONF query.
//
// A single option may be returned multiple times, so values are lists. Keys
// keep tor's casing; rewriting them to the caller's casing is the command
// layer's job.
type GetConfResponse struct {
	// Mapping between the config keys tor returned and their values. A key
	// returned without a value (an unset option) maps to an empty list.
	Entries map[string][]string
}

const unrecognizedConfPrefix = `Unrecognized configuration key "`

// ParseGetConf decodes the reply to a GETCONF query. Unrecognized options
// yield a *ctlsock.InvalidArgumentsError naming them; any other non-250
// status yields a *ctlsock.ProtocolError.
func ParseGetConf(m *ctlsock.ControlMessage) (*GetConfResponse, error) {
	lines := m.Lines()

	ok := true
	for _, line := range lines {
		if line.Code != "250" {
			ok = false
		}
	}

	if !ok {
		var unrecognized []string
		for _, line := range lines {
			if line.Code == "552" &&
				strings.HasPrefix(line.Content, unrecognizedConfPrefix) &&
				strings.HasSuffix(line.Content, `"`) {
				unrecognized = append(
					unrecognized,
					line.Content[len(unrecognizedConfPrefix):len(line.Content)-1])
			}
		}

		if len(unrecognized) > 0 {
			return nil, ctlsock.NewInvalidArguments(
				"552",
				fmt.Sprintf(
					"GETCONF request contained unrecognized keywords: %s",
					strings.Join(unrecognized, ", ")),
				unrecognized)
		}

		return nil, &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("GETCONF response contained a non-OK status code:\n%s", m),
		}
	}

	entries := make(map[string][]string)
	for _, line := range lines {
		content := line.Content

		// Batch replies may close with a bare OK line.
		if content == "OK" {
			continue
		}

		i := strings.Index(content, "=")
		if i < 0 {
			// An option at its default is returned as a bare keyword.
			if _, present := entries[content]; !present {
				entries[content] = nil
			}

			continue
		}

		key, value := content[:i], content[i+1:]

		// Multiline values follow the same marker rule as GETINFO.
		if strings.Contains(value, "\n") {
			if !strings.HasPrefix(value, "\n") {
				return nil, &ctlsock.ProtocolError{
					Reason: fmt.Sprintf(
						"GETCONF response contained a multiline value that didn't start with a newline:\n%s", m),
				}
			}

			value = value[1:]
		}

		entries[key] = append(entries[key], value)
	}

	return &GetConfResponse{Entries: entries}, nil
}
