package transfer

import "fmt"

// Status is the lifecycle state of a transfer.
type Status uint8

const (
	// StatusInitiating is a send request awaiting transport confirmation.
	StatusInitiating Status = iota
	// StatusAccepting is a receive request awaiting transport confirmation.
	StatusAccepting
	// StatusInProgress means bytes are moving and a monitor is running.
	StatusInProgress
	// StatusPaused means the transfer is suspended on both ends.
	StatusPaused
	// StatusCompleted means every byte was acknowledged.
	StatusCompleted
	// StatusCancelled means a caller cancelled the transfer.
	StatusCancelled
	// StatusFailed means the transfer hit an unrecoverable error.
	StatusFailed
)

var statusNames = [...]string{
	StatusInitiating: "initiating",
	StatusAccepting:  "accepting",
	StatusInProgress: "in_progress",
	StatusPaused:     "paused",
	StatusCompleted:  "completed",
	StatusCancelled:  "cancelled",
	StatusFailed:     "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ParseStatus maps a persisted status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, candidate := range statusNames {
		if candidate == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transfer status %q", name)
}

// Direction tells whether the local side sends or receives.
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection maps a persisted direction name back to a Direction.
func ParseDirection(name string) (Direction, error) {
	switch name {
	case "send":
		return DirectionSend, nil
	case "receive":
		return DirectionReceive, nil
	default:
		return 0, fmt.Errorf("unknown transfer direction %q", name)
	}
}
