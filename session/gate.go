package session

// State is the readiness gate state of a call.
//
// The AI socket opening and the telephony start event arrive independently, so
// StateAIOpenWait and StateTelephonyStartWait are the two halves of a join:
// StateConfigurable is reached once both flags are set, in either order.
type State int

const (
	// StateInit means neither peer is ready.
	StateInit State = iota
	// StateAIOpenWait means the telephony stream started and the AI socket is not open yet.
	StateAIOpenWait
	// StateTelephonyStartWait means the AI socket is open and the telephony stream has not started.
	StateTelephonyStartWait
	// StateConfigurable means both peers are ready and configuration has not been sent.
	StateConfigurable
	// StateConfigured means configuration was sent and the opening turn was not.
	StateConfigured
	// StateOpeningTurnSent means the conversation is running.
	StateOpeningTurnSent
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAIOpenWait:
		return "ai-open-wait"
	case StateTelephonyStartWait:
		return "telephony-start-wait"
	case StateConfigurable:
		return "configurable"
	case StateConfigured:
		return "configured"
	case StateOpeningTurnSent:
		return "opening-turn-sent"
	default:
		return "unknown"
	}
}

// Readiness is the flag record behind the gate.
type Readiness struct {
	AISocketOpen     bool
	TelephonyStarted bool
	ConfigSent       bool
	OpeningTurnSent  bool
}

// State derives the gate state from the flags.
func (r Readiness) State() State {
	switch {
	case r.OpeningTurnSent:
		return StateOpeningTurnSent
	case r.ConfigSent:
		return StateConfigured
	case r.AISocketOpen && r.TelephonyStarted:
		return StateConfigurable
	case r.AISocketOpen:
		return StateTelephonyStartWait
	case r.TelephonyStarted:
		return StateAIOpenWait
	default:
		return StateInit
	}
}
