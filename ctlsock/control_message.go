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

import (
	"bufio"
	"fmt"
	"strings"
)

// ReplyLine is one line of a control protocol reply: a three digit status
// code, a divider, and the line's content. For a "+" divider the content
// includes the data block that followed, with its lines joined by "\n".
type ReplyLine struct {
	Code    string
	Divider string
	Content string
}

// ControlMessage is a parsed reply or event read from the control socket: an
// ordered list of reply lines. Messages are immutable once parsed.
type ControlMessage struct {
	lines []ReplyLine
	raw   string
}

// Lines returns a copy of the message's reply lines, in wire order.
func (m *ControlMessage) Lines() []ReplyLine {
	lines := make([]ReplyLine, len(m.lines))
	copy(lines, m.lines)
	return lines
}

// ContentLines returns the content of each reply line, in wire order.
func (m *ControlMessage) ContentLines() []string {
	content := make([]string, len(m.lines))
	for i, line := range m.lines {
		content[i] = line.Content
	}

	return content
}

// StatusCode returns the status code of the message's terminal line.
func (m *ControlMessage) StatusCode() string {
	return m.lines[len(m.lines)-1].Code
}

// IsOK reports whether the terminal line is "250 OK".
func (m *ControlMessage) IsOK() bool {
	last := m.lines[len(m.lines)-1]
	return last.Code == "250" && last.Content == "OK"
}

// IsEvent reports whether this message is an asynchronous event, identified
// by a terminal status code of 650.
func (m *ControlMessage) IsEvent() bool {
	return m.StatusCode() == "650"
}

// Raw returns the text of the message exactly as it appeared on the wire.
func (m *ControlMessage) Raw() string {
	return m.raw
}

func (m *ControlMessage) String() string {
	return strings.Join(m.ContentLines(), "\n")
}

// ParseControlMessage parses the given wire text, which must use "\r\n" line
// endings, into a ControlMessage. Useful for crafting messages in tests; the
// socket parses incoming traffic with the same code.
func ParseControlMessage(text string) (*ControlMessage, error) {
	return readMessage(bufio.NewReader(strings.NewReader(text)))
}

// Read one complete message from the supplied reader. Transport errors are
// returned as-is for the caller to classify; content that violates the
// protocol yields a *ProtocolError.
func readMessage(br *bufio.Reader) (*ControlMessage, error) {
	var lines []ReplyLine
	var raw strings.Builder

	for {
		line, err := readLine(br, &raw)
		if err != nil {
			return nil, err
		}

		if len(line) < 4 {
			return nil, &ProtocolError{
				Reason: fmt.Sprintf("reply line too short to have a status code and divider: %q", line),
			}
		}

		code, divider, content := line[:3], line[3:4], line[4:]
		if !isStatusCode(code) {
			return nil, &ProtocolError{
				Reason: fmt.Sprintf("reply line has a malformed status code: %q", line),
			}
		}

		switch divider {
		case "-":
			lines = append(lines, ReplyLine{code, divider, content})

		case " ":
			lines = append(lines, ReplyLine{code, divider, content})
			return &ControlMessage{lines: lines, raw: raw.String()}, nil

		case "+":
			// A data block follows, terminated by a line with a single period.
			// Lines within the block beginning with a period are byte-stuffed
			// with a second one.
			for {
				var blockLine string
				blockLine, err = readLine(br, &raw)
				if err != nil {
					return nil, err
				}

				if blockLine == "." {
					break
				}

				if strings.HasPrefix(blockLine, "..") {
					blockLine = blockLine[1:]
				}

				content += "\n" + blockLine
			}

			lines = append(lines, ReplyLine{code, divider, content})

		default:
			return nil, &ProtocolError{
				Reason: fmt.Sprintf("reply line has an unrecognized divider: %q", line),
			}
		}
	}
}

// Read a single "\r\n"-terminated line, accumulating the raw bytes consumed.
func readLine(br *bufio.Reader, raw *strings.Builder) (string, error) {
	line, err := br.ReadString('\n')
	raw.WriteString(line)
	if err != nil {
		return "", err
	}

	if !strings.HasSuffix(line, "\r\n") {
		return "", &ProtocolError{
			Reason: fmt.Sprintf("all replies should have a \\r\\n linebreak: %q", line),
		}
	}

	return strings.TrimSuffix(line, "\r\n"), nil
}

func isStatusCode(code string) bool {
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}

	return len(code) == 3
}
