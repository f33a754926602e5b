package module

import (
	"fmt"
	"net"
	"strconv"
)

// State is a step of the connection lifecycle.
type State int32

const (
	Unregistered State = iota
	Connecting
	Connected
	Ready
	Closing
	Closed
)

var stateNames = [...]string{
	Unregistered: "unregistered",
	Connecting:   "connecting",
	Connected:    "connected",
	Ready:        "ready",
	Closing:      "closing",
	Closed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind tells who owns the process behind a module.
type Kind int

const (
	// Managed modules are spawned and torn down by the control room.
	Managed Kind = iota
	// Executable modules are started externally. Their supported commands
	// come from configuration rather than the handshake.
	Executable
)

func (k Kind) String() string {
	switch k {
	case Managed:
		return "managed"
	case Executable:
		return "executable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Identity is fixed at configuration load.
type Identity struct {
	Name string `json:"name"`
	Type string `json:"type"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr is the dialable control address.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.IP, strconv.Itoa(id.Port))
}

// Info is a point in time view of a connection, as exposed to the
// dashboard.
type Info struct {
	Identity
	Kind              Kind     `json:"kind"`
	State             State    `json:"state"`
	NearPort          int      `json:"near_port"`
	SupportedCommands []string `json:"supported_commands"`
}
