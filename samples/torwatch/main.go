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

// Watches a running tor, printing status transitions and the raw
// asynchronous events it asks tor to deliver.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/oniongate/torctl"
	"github.com/oniongate/torctl/ctlsock"
)

var fAddress = flag.String("address", "127.0.0.1", "Address of tor's ControlPort.")
var fPort = flag.Uint("port", 9051, "Port number of tor's ControlPort.")
var fPassword = flag.String("password", "", "Controller authentication password, if any.")
var fEvents = flag.String("events", "BW", "Space-separated event classes to pass to SETEVENTS.")

func main() {
	flag.Parse()

	c, err := torctl.FromPort(*fAddress, uint16(*fPort))
	if err != nil {
		log.Fatalf("Connecting: %v", err)
	}

	c.AddStatusListener(
		func(_ *torctl.BaseController, state torctl.State, timestamp time.Time) {
			fmt.Printf("[%s] connection state: %s\n", timestamp.Format(time.StampMilli), state)
		},
		true)

	c.SetEventHandler(func(msg *ctlsock.ControlMessage) {
		fmt.Printf("event: %s\n", msg)
	})

	err = c.Do(func() error {
		if err := c.Authenticate(*fPassword); err != nil {
			return fmt.Errorf("Authenticate: %v", err)
		}

		// The kernel delivers whatever tor sends; SETEVENTS chooses what
		// that is.
		if _, err := c.Msg("SETEVENTS " + *fEvents); err != nil {
			return fmt.Errorf("SETEVENTS: %v", err)
		}

		for c.IsAlive() {
			time.Sleep(100 * time.Millisecond)
		}

		return nil
	})

	if err != nil {
		log.Fatal(err)
	}
}
