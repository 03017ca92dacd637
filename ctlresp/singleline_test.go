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

package ctlresp_test

import (
	"errors"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	"github.com/oniongate/torctl/ctlresp"
	"github.com/oniongate/torctl/ctlsock"
)

func TestSingleLine(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type SingleLineTest struct {
}

func init() { RegisterTestSuite(&SingleLineTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *SingleLineTest) Acknowledgement() {
	response, err := ctlresp.ParseSingleLine(parseMessage("250 OK\r\n"))

	AssertEq(nil, err)
	ExpectTrue(response.IsOK())
	ExpectEq("250", response.Code)
	ExpectEq("OK", response.Message)
}

func (t *SingleLineTest) Rejection() {
	response, err := ctlresp.ParseSingleLine(parseMessage(
		"551 Unable to write configuration\r\n"))

	AssertEq(nil, err)
	ExpectFalse(response.IsOK())
	ExpectEq("551", response.Code)
	ExpectEq("Unable to write configuration", response.Message)
}

func (t *SingleLineTest) MultilineReply() {
	_, err := ctlresp.ParseSingleLine(parseMessage(
		"250-piece one\r\n250 piece two\r\n"))

	AssertNe(nil, err)
	ExpectThat(err, Error(HasSubstr("multiline")))
}

func (t *SingleLineTest) DataBlockReply() {
	_, err := ctlresp.ParseSingleLine(parseMessage(
		"650+BW\r\nsome payload\r\n.\r\n650 OK\r\n"))

	AssertNe(nil, err)

	var protoErr *ctlsock.ProtocolError
	ExpectTrue(errors.As(err, &protoErr))
}
