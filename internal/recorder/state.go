package recorder

import "fmt"

// State is the controller's position in the recording protocol.
type State int32

const (
	Idle State = iota
	Discovering
	ConnectedIdle
	Notifying
	Commanding
	AwaitingDisconnect
	AwaitingCompletion
	Reconnecting
	Transferring
	Done
	Failed
)

var stateNames = map[State]string{
	Idle:               "idle",
	Discovering:        "discovering",
	ConnectedIdle:      "connected",
	Notifying:          "notifying",
	Commanding:         "commanding",
	AwaitingDisconnect: "awaiting-disconnect",
	AwaitingCompletion: "awaiting-completion",
	Reconnecting:       "reconnecting",
	Transferring:       "transferring",
	Done:               "done",
	Failed:             "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
