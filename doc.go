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

// Package torctl speaks tor's control protocol, for driving a running tor
// process: authenticating, querying runtime information, reading and
// changing configuration, and receiving asynchronous events.
//
// The primary elements of interest are:
//
//   - Controller, which wraps a control connection with methods for the
//     individual commands (GetInfo, GetConf, SetConf, LoadConf, ...).
//
//   - FromPort and FromSocketFile, which build a Controller from tor's
//     ControlPort or control socket file.
//
//   - BaseController, the kernel beneath Controller: it owns the socket,
//     routes replies and asynchronous events, and notifies status
//     listeners. Use it directly only when building your own command
//     surface.
//
// Controllers are a wrapper around a ctlsock.ControlSocket, retaining many
// of its methods (Connect, Close, IsAlive, ...) in addition to providing
// their own for interacting at a higher level. Don't continue to interact
// directly with a socket a controller was constructed from.
package torctl
