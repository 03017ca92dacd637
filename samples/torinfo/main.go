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

// Connects to a running tor, authenticates, and prints a handful of GETINFO
// and GETCONF values.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/oniongate/torctl"
)

var fAddress = flag.String("address", "127.0.0.1", "Address of tor's ControlPort.")
var fPort = flag.Uint("port", 9051, "Port number of tor's ControlPort.")
var fSocketFile = flag.String("socket_file", "", "Connect via this control socket file instead of TCP.")
var fPassword = flag.String("password", "", "Controller authentication password, if any.")

func main() {
	flag.Parse()

	var c *torctl.Controller
	var err error
	if *fSocketFile != "" {
		c, err = torctl.FromSocketFile(*fSocketFile)
	} else {
		c, err = torctl.FromPort(*fAddress, uint16(*fPort))
	}

	if err != nil {
		log.Fatalf("Connecting: %v", err)
	}

	err = c.Do(func() error {
		if err := c.Authenticate(*fPassword); err != nil {
			return fmt.Errorf("Authenticate: %v", err)
		}

		version, err := c.GetInfo("version")
		if err != nil {
			return fmt.Errorf("GetInfo: %v", err)
		}

		fmt.Println("Tor version:", version)

		// These queries have harmless fallbacks, so supply defaults rather
		// than failing.
		uptime, _ := c.GetInfo("uptime", "unknown")
		fmt.Println("Uptime:", uptime)

		nickname, _ := c.GetConf("Nickname", "(unset)")
		fmt.Println("Nickname:", nickname)

		policy, err := c.GetConfList("ExitPolicy", nil)
		if err == nil {
			for _, line := range policy {
				fmt.Println("ExitPolicy:", line)
			}
		}

		return nil
	})

	if err != nil {
		log.Fatal(err)
	}
}
