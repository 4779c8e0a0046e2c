package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrNotRestorable is returned by Restore when the version has no
// generation that was completely installed and activated.
var ErrNotRestorable = errors.New("no activated generation to restore")

// State is the lifecycle position of one agent version.
type State int

const (
	// Uninstalled is the initial state.
	Uninstalled State = iota

	// Installing means the precache manifest is being fetched and stored.
	Installing

	// Installed means the version is ready and waiting to activate.
	Installed

	// Activating means stale generations are being evicted.
	Activating

	// Active means the version controls clients and serves fetches.
	Active

	// Retired means a newer version superseded this one.
	Retired

	// Redundant means installation failed; the version can never activate.
	Redundant
)

var stateNames = [...]string{
	Uninstalled: "uninstalled",
	Installing:  "installing",
	Installed:   "installed",
	Activating:  "activating",
	Active:      "active",
	Retired:     "retired",
	Redundant:   "redundant",
}

// String returns the lower-case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name, used by JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
