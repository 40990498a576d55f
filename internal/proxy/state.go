package proxy

import "fmt"

// CallState is the progress of one proxied call.
type CallState int

const (
	StateResolving CallState = iota
	StateEncoding
	StateSent
	StateAwaitingResponse
	StateDecoding
	StateRecorded
	StateDone
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateResolving:
		return "RESOLVING"
	case StateEncoding:
		return "ENCODING"
	case StateSent:
		return "SENT"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateDecoding:
		return "DECODING"
	case StateRecorded:
		return "RECORDED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s CallState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var validTransitions = map[CallState][]CallState{
	StateResolving:        {StateEncoding, StateFailed},
	StateEncoding:         {StateSent, StateFailed},
	StateSent:             {StateAwaitingResponse, StateRecorded, StateFailed},
	StateAwaitingResponse: {StateDecoding, StateFailed},
	StateDecoding:         {StateRecorded, StateFailed},
	StateRecorded:         {StateDone, StateFailed},
	StateDone:             {},
	StateFailed:           {},
}

func ValidateTransition(from, to CallState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
