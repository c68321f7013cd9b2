package redundancy

import (
	"encoding/json"
	"fmt"
)

// ServerState is the lifecycle state of a server instance within one activation cycle.
type ServerState int

const (
	// StateSuspended is the initial state; the instance is not serving.
	StateSuspended ServerState = iota
	// StateRunning indicates the instance's endpoint is active.
	StateRunning
	// StateShutdown indicates the instance stepped down gracefully.
	StateShutdown
	// StateFailed indicates the instance stepped down because of a fault.
	StateFailed
)

// String returns the string representation of the state.
func (s ServerState) String() string {
	switch s {
	case StateSuspended:
		return "SUSPENDED"
	case StateRunning:
		return "RUNNING"
	case StateShutdown:
		return "SHUTDOWN"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SteppedDown returns true for Shutdown and Failed, the states after which
// rotation may proceed.
func (s ServerState) SteppedDown() bool {
	return s == StateShutdown || s == StateFailed
}

// Eligible returns true if an instance in this state may be selected as the
// next current server.
func (s ServerState) Eligible() bool {
	return s != StateFailed && s != StateRunning
}

func (s ServerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ServerState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseServerState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseServerState parses the string form produced by String.
func ParseServerState(name string) (ServerState, error) {
	switch name {
	case "SUSPENDED":
		return StateSuspended, nil
	case "RUNNING":
		return StateRunning, nil
	case "SHUTDOWN":
		return StateShutdown, nil
	case "FAILED":
		return StateFailed, nil
	}
	return StateSuspended, fmt.Errorf("unknown server state %q", name)
}

// Role represents whether an instance is serving or watching.
type Role int

const (
	// RoleClient indicates the instance is not the current server.
	RoleClient Role = iota
	// RoleServer indicates the instance is the current server.
	RoleServer
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}
