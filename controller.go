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

package torctl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oniongate/torctl/ctlresp"
	"github.com/oniongate/torctl/ctlsock"
)

// Configuration options that are fetched by a special group key. The map
// keys are lowercase to make case insensitive lookups easier.
var mappedConfigKeys = map[string]string{
	"hiddenservicedir":             "HiddenServiceOptions",
	"hiddenserviceport":            "HiddenServiceOptions",
	"hiddenserviceversion":         "HiddenServiceOptions",
	"hiddenserviceauthorizeclient": "HiddenServiceOptions",
	"hiddenserviceoptions":         "HiddenServiceOptions",
}

// Option is one configuration option for SetOptions: a key and its values.
// No values means the bare key is sent, which SETCONF treats as 0/NULL and
// RESETCONF treats as a reset to the default.
type Option struct {
	Key    string
	Values []string
}

// Controller communicates with a tor process over a control socket. This is
// built on top of BaseController and provides a user friendly API.
type Controller struct {
	*BaseController
}

// NewController wraps the supplied socket in a Controller, taking exclusive
// ownership of it. The config may be nil.
func NewController(
	socket *ctlsock.ControlSocket,
	config *ControllerConfig) *Controller {
	return &Controller{NewBaseController(socket, config)}
}

// FromPort returns a Controller attached to tor's ControlPort at the given
// TCP address. An empty addr means 127.0.0.1 and a zero port means 9051.
func FromPort(addr string, port uint16) (*Controller, error) {
	if addr == "" {
		addr = "127.0.0.1"
	}

	if port == 0 {
		port = 9051
	}

	socket, err := ctlsock.NewControlPort(addr, port)
	if err != nil {
		return nil, err
	}

	return NewController(socket, nil), nil
}

// FromSocketFile returns a Controller attached to tor's control domain
// socket at the given path. An empty path means /var/run/tor/control.
func FromSocketFile(path string) (*Controller, error) {
	if path == "" {
		path = "/var/run/tor/control"
	}

	socket, err := ctlsock.NewControlSocketFile(path)
	if err != nil {
		return nil, err
	}

	return NewController(socket, nil), nil
}

// Authenticate authenticates the control connection. An empty password
// sends a bare AUTHENTICATE, which suffices when tor requires none or uses
// cookie-less configurations.
func (c *Controller) Authenticate(password string) error {
	command := "AUTHENTICATE"
	if password != "" {
		command = fmt.Sprintf("AUTHENTICATE \"%s\"", password)
	}

	reply, err := c.Msg(command)
	if err != nil {
		return err
	}

	response, err := ctlresp.ParseSingleLine(reply)
	if err != nil {
		return err
	}

	if !response.IsOK() {
		return ctlsock.NewInvalidRequest(response.Code, response.Message)
	}

	return nil
}

// GetInfo queries the control socket for the given GETINFO option. If a
// default is supplied then it's returned when the call fails for any reason
// (error response, closed control port, ...); otherwise the failure is
// returned.
func (c *Controller) GetInfo(param string, def ...string) (string, error) {
	entries, err := c.getInfoEntries([]string{param})
	if err != nil {
		if len(def) > 0 {
			return def[0], nil
		}

		return "", err
	}

	return entries[param], nil
}

// GetInfoMap is GetInfo for a batch of options, returning the
// param => response mapping.
func (c *Controller) GetInfoMap(
	params []string,
	def ...map[string]string) (map[string]string, error) {
	entries, err := c.getInfoEntries(params)
	if err != nil {
		if len(def) > 0 {
			return def[0], nil
		}

		return nil, err
	}

	return entries, nil
}

func (c *Controller) getInfoEntries(params []string) (map[string]string, error) {
	reply, err := c.Msg("GETINFO " + strings.Join(params, " "))
	if err != nil {
		return nil, err
	}

	response, err := ctlresp.ParseGetInfo(reply)
	if err != nil {
		return nil, err
	}

	// Error if we got back different parameters than we requested.
	if !sameKeySet(params, response.Entries) {
		return nil, &ctlsock.ProtocolError{
			Reason: fmt.Sprintf(
				"GETINFO reply doesn't match the parameters that we requested. Queried '%s' but got '%s'.",
				strings.Join(params, ", "),
				strings.Join(sortedKeys(response.Entries), ", ")),
		}
	}

	return response.Entries, nil
}

// GetConf queries the control socket for the value of a given configuration
// option, returning the first value when tor provides several. A key
// consisting only of whitespace yields the default, or an empty string when
// there is none. If a default is supplied then it's also returned when the
// call fails for any reason; otherwise the failure is returned.
func (c *Controller) GetConf(param string, def ...string) (string, error) {
	param = strings.ToLower(strings.TrimSpace(param))
	if param == "" {
		if len(def) > 0 {
			return def[0], nil
		}

		return "", nil
	}

	values, err := c.confLookup(param)
	if err != nil || len(values) == 0 {
		if len(def) > 0 {
			return def[0], nil
		}

		if err == nil {
			return "", nil
		}

		return "", err
	}

	return values[0], nil
}

// GetConfList is GetConf but provides every value tor returned for the
// option, for options like ExitPolicy that may appear multiple times.
func (c *Controller) GetConfList(param string, def ...[]string) ([]string, error) {
	param = strings.ToLower(strings.TrimSpace(param))
	if param == "" {
		if len(def) > 0 {
			return def[0], nil
		}

		return nil, nil
	}

	values, err := c.confLookup(param)
	if err != nil {
		if len(def) > 0 {
			return def[0], nil
		}

		return nil, err
	}

	return values, nil
}

func (c *Controller) confLookup(param string) ([]string, error) {
	entries, err := c.getConfEntries([]string{param})
	if err != nil {
		return nil, err
	}

	values, ok := lookupKeyFold(entries, param)
	if !ok {
		return nil, nil
	}

	return values, nil
}

// GetConfMap queries the control socket for the values of the given
// configuration options, providing a mapping of keys to value lists.
// Whitespace-only keys are ignored. If a default is supplied then it's
// returned when the call fails for any reason; otherwise the failure is
// returned.
//
// There are three shapes a GETCONF exchange can take:
//
//  1. a single value is provided for the option queried
//  2. multiple values are provided for the option queried
//  3. a set of options that weren't necessarily requested are returned:
//     querying HiddenServiceOptions gives HiddenServiceDir,
//     HiddenServicePort, and so on
//
// GetConf and GetConfMap both account for the special mappings of the third
// case, so a query like GetConf("HiddenServicePort") behaves as you'd
// expect. GetConfMap simply returns whatever tor provides, which means
// GetConfMap([]string{"HiddenServicePort"}) gives the same response as
// GetConfMap([]string{"HiddenServiceOptions"}).
func (c *Controller) GetConfMap(
	params []string,
	def ...map[string][]string) (map[string][]string, error) {
	entries, err := c.getConfEntries(params)
	if err != nil {
		if len(def) > 0 {
			return def[0], nil
		}

		return nil, err
	}

	return entries, nil
}

func (c *Controller) getConfEntries(params []string) (map[string][]string, error) {
	// Remove keys which contain only whitespace.
	var requested []string
	for _, param := range params {
		if strings.TrimSpace(param) != "" {
			requested = append(requested, param)
		}
	}

	if len(requested) == 0 {
		return map[string][]string{}, nil
	}

	// Translate context sensitive options into their group key, dropping
	// duplicates.
	var lookup []string
	seen := make(map[string]bool)
	for _, param := range requested {
		key := param
		if mapped, ok := mappedConfigKeys[strings.ToLower(param)]; ok {
			key = mapped
		}

		if !seen[key] {
			seen[key] = true
			lookup = append(lookup, key)
		}
	}

	reply, err := c.Msg("GETCONF " + strings.Join(lookup, " "))
	if err != nil {
		return nil, err
	}

	response, err := ctlresp.ParseGetConf(reply)
	if err != nil {
		return nil, err
	}

	// Map the entries back to the keys the user requested so the
	// capitalization matches (if they asked for "exitpolicy" then that
	// should be the key rather than "ExitPolicy"). Group keys keep tor's
	// camel casing since the user didn't request those by name, so we can't
	// be sure what they wanted. When the same key was requested with
	// several casings the first wins.
	entries := response.Entries
	for key, values := range entries {
		if strings.ToLower(key) == "hiddenserviceoptions" {
			continue
		}

		expected, ok := lookupEntryFold(requested, key)
		if ok && expected != key {
			entries[expected] = values
			delete(entries, key)
		}
	}

	return entries, nil
}

// SetConf changes the value of a tor configuration option. Multiple values
// set a series (for instance the ExitPolicy); no values sets the option to
// 0/NULL.
func (c *Controller) SetConf(param string, values ...string) error {
	return c.SetOptions([]Option{{Key: param, Values: values}}, false)
}

// ResetConf reverts one or more configuration options to their default
// values.
func (c *Controller) ResetConf(params ...string) error {
	options := make([]Option, len(params))
	for i, param := range params {
		options[i] = Option{Key: param}
	}

	return c.SetOptions(options, true)
}

// SetOptions changes multiple tor configuration options via either a
// SETCONF or RESETCONF query. Both behave identically unless an option has
// no values, in which case SETCONF sets it to 0/NULL and RESETCONF returns
// it to its default. Options are sent in the order given, which matters for
// hidden service configuration.
func (c *Controller) SetOptions(options []Option, reset bool) error {
	query := []string{"SETCONF"}
	if reset {
		query = []string{"RESETCONF"}
	}

	for _, option := range options {
		if len(option.Values) == 0 {
			query = append(query, option.Key)
			continue
		}

		for _, value := range option.Values {
			query = append(
				query,
				fmt.Sprintf("%s=\"%s\"", option.Key, strings.TrimSpace(value)))
		}
	}

	reply, err := c.Msg(strings.Join(query, " "))
	if err != nil {
		return err
	}

	response, err := ctlresp.ParseSingleLine(reply)
	if err != nil {
		return err
	}

	if response.IsOK() {
		return nil
	}

	const unknownOptionPrefix = "Unrecognized option: Unknown option '"

	switch response.Code {
	case "552":
		if strings.HasPrefix(response.Message, unknownOptionPrefix) {
			end := strings.Index(response.Message[len(unknownOptionPrefix):], "'")
			if end >= 0 {
				key := response.Message[len(unknownOptionPrefix) : len(unknownOptionPrefix)+end]
				return ctlsock.NewInvalidArguments(
					response.Code, response.Message, []string{key})
			}
		}

		return ctlsock.NewInvalidRequest(response.Code, response.Message)

	case "513", "553":
		return ctlsock.NewInvalidRequest(response.Code, response.Message)

	default:
		return &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("Returned unexpected status code: %s", response.Code),
		}
	}
}

// LoadConf sends the configuration text to tor, loading it as if it had
// been read from the torrc.
func (c *Controller) LoadConf(configText string) error {
	reply, err := c.Msg("LOADCONF\n" + configText)
	if err != nil {
		return err
	}

	response, err := ctlresp.ParseSingleLine(reply)
	if err != nil {
		return err
	}

	const unknownOptionPrefix = "Invalid config file: Failed to parse/validate config: Unknown option"

	switch {
	case response.Code == "552" || response.Code == "553":
		if response.Code == "552" &&
			strings.HasPrefix(response.Message, unknownOptionPrefix) {
			if key, ok := loadConfUnknownOption(response.Message); ok {
				return ctlsock.NewInvalidArguments(
					response.Code, response.Message, []string{key})
			}
		}

		return ctlsock.NewInvalidRequest(response.Code, response.Message)

	case !response.IsOK():
		return &ctlsock.ProtocolError{
			Reason: fmt.Sprintf("+LOADCONF Received unexpected response\n%s", reply),
		}
	}

	return nil
}

// Extract the offending option from a LOADCONF rejection of the form
//
//	Invalid config file: Failed to parse/validate config: Unknown option 'Foo'.  Failing.
//
// The name sits between the fixed 70 byte prefix and the period closing the
// sentence, with a quote to trim.
func loadConfUnknownOption(message string) (string, bool) {
	const offset = 70
	if len(message) <= offset {
		return "", false
	}

	end := strings.Index(message[offset:], ".")
	if end < 1 {
		return "", false
	}

	return message[offset : offset+end-1], true
}

// SaveConf saves the current configuration options into the active torrc
// file.
func (c *Controller) SaveConf() error {
	reply, err := c.Msg("SAVECONF")
	if err != nil {
		return err
	}

	response, err := ctlresp.ParseSingleLine(reply)
	if err != nil {
		return err
	}

	if response.IsOK() {
		return nil
	}

	if response.Code == "551" {
		return ctlsock.NewOperationFailed(response.Code, response.Message)
	}

	return &ctlsock.ProtocolError{
		Reason: "SAVECONF returned unexpected response code",
	}
}

// Case insensitive lookup within a map of config entries, returning the
// first matching key's values.
func lookupKeyFold(entries map[string][]string, key string) ([]string, bool) {
	for k, v := range entries {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}

	return nil, false
}

// Case insensitive lookup within a list of keys, returning the first entry
// that matches.
func lookupEntryFold(entries []string, key string) (string, bool) {
	for _, entry := range entries {
		if strings.EqualFold(entry, key) {
			return entry, true
		}
	}

	return "", false
}

func sameKeySet(params []string, entries map[string]string) bool {
	requested := make(map[string]bool, len(params))
	for _, param := range params {
		requested[param] = true
	}

	if len(requested) != len(entries) {
		return false
	}

	for key := range entries {
		if !requested[key] {
			return false
		}
	}

	return true
}

func sortedKeys(entries map[string]string) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}
