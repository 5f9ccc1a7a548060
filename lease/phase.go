package lease

import "fmt"

// Phase is a state of the lease session state machine.
type Phase int32

const (
	Idle Phase = iota
	Acquiring
	Provisioning
	Authenticating
	Connecting
	Active
	Releasing
)

var phaseNames = [...]string{
	Idle:           "idle",
	Acquiring:      "acquiring",
	Provisioning:   "provisioning",
	Authenticating: "authenticating",
	Connecting:     "connecting",
	Active:         "active",
	Releasing:      "releasing",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}

	return fmt.Sprintf("phase(%d)", int32(p))
}
