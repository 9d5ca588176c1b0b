package connection

import "fmt"

// Status is the state of the link to the headset.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// State is a point-in-time view of the manager.
type State struct {
	Status    Status `json:"status" msgpack:"status"`
	Session   string `json:"session,omitempty" msgpack:"session,omitempty"`
	LastError string `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}
