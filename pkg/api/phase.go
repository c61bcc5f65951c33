package api

import (
	"fmt"
	"strings"
)

// Phase is a step of a test's lifecycle. Phases always run in declaration order.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseLocalWarmup
	PhaseGlobalWarmup
	PhaseRun
	PhaseGlobalVerify
	PhaseLocalVerify
	PhaseGlobalTeardown
	PhaseLocalTeardown
)

var phaseNames = map[Phase]string{
	PhaseSetup:          "SETUP",
	PhaseLocalWarmup:    "LOCAL_WARMUP",
	PhaseGlobalWarmup:   "GLOBAL_WARMUP",
	PhaseRun:            "RUN",
	PhaseGlobalVerify:   "GLOBAL_VERIFY",
	PhaseLocalVerify:    "LOCAL_VERIFY",
	PhaseGlobalTeardown: "GLOBAL_TEARDOWN",
	PhaseLocalTeardown:  "LOCAL_TEARDOWN",
}

// AllPhases returns every phase in execution order.
func AllPhases() []Phase {
	return []Phase{
		PhaseSetup,
		PhaseLocalWarmup,
		PhaseGlobalWarmup,
		PhaseRun,
		PhaseGlobalVerify,
		PhaseLocalVerify,
		PhaseGlobalTeardown,
		PhaseLocalTeardown,
	}
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// IsGlobal reports whether the phase runs on a single designated worker only.
func (p Phase) IsGlobal() bool {
	return p == PhaseGlobalWarmup || p == PhaseGlobalVerify || p == PhaseGlobalTeardown
}

func (p Phase) IsVerify() bool {
	return p == PhaseGlobalVerify || p == PhaseLocalVerify
}

func (p Phase) IsTeardown() bool {
	return p == PhaseGlobalTeardown || p == PhaseLocalTeardown
}

func (p Phase) IsValid() bool {
	_, ok := phaseNames[p]
	return ok
}

func ParsePhase(s string) (Phase, error) {
	normalised := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for phase, name := range phaseNames {
		if name == normalised {
			return phase, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
