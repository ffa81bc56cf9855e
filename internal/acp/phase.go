package acp

import (
	"fmt"
	"strings"
)

// Phase mirrors the SDK's job phase numbering. The buyer observes phases; it
// never drives transitions.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
	PhaseCompleted
	PhaseRejected
	PhaseExpired
)

var phaseNames = map[Phase]string{
	PhaseRequest:     "REQUEST",
	PhaseNegotiation: "NEGOTIATION",
	PhaseTransaction: "TRANSACTION",
	PhaseEvaluation:  "EVALUATION",
	PhaseCompleted:   "COMPLETED",
	PhaseRejected:    "REJECTED",
	PhaseExpired:     "EXPIRED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// ParsePhase accepts either the upper-case name or the SDK's numeric value.
func ParsePhase(s string) (Phase, error) {
	s = strings.TrimSpace(s)
	for p, name := range phaseNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return Phase(n), nil
	}
	return 0, fmt.Errorf("unknown job phase %q", s)
}
