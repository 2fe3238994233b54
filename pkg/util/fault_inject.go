package util

import (
	"sync"
	"sync/atomic"
)

// Fault scopes. Faults are only consulted by tests and debug builds of
// scenarios; a closed scope costs one atomic load.
const (
	FAULTS_SCOPE_JOIN_ENUM int = iota
	FAULTS_SCOPE_STATS
	FAULTS_COUNT
)

// Fault names.
const (
	FaultExhaustEnumBudget = "exhaust_enumeration_budget"
	FaultStatsUnavailable  = "stats_unavailable"
)

var faultsSwitch [FAULTS_COUNT]faults

type faults struct {
	enabled atomic.Bool
	actions sync.Map
}

type FaultAction struct {
	Args   []string
	Action func([]string) error
}

func (fa *FaultAction) Run() error {
	if fa == nil || fa.Action == nil {
		return nil
	}
	return fa.Action(fa.Args)
}

func OpenFaults(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope].enabled.Store(true)
}

func CloseFaults(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope].enabled.Store(false)
	faultsSwitch[scope].actions.Clear()
}

// CheckFault returns the registered action or nil when the scope is closed.
func CheckFault(scope int, name string) *FaultAction {
	if scope >= FAULTS_COUNT || scope < 0 {
		return nil
	}
	if !faultsSwitch[scope].enabled.Load() {
		return nil
	}
	val, ok := faultsSwitch[scope].actions.Load(name)
	if !ok || val == nil {
		return nil
	}
	return val.(*FaultAction)
}

// RegisterFault is a no-op unless the scope was opened first.
func RegisterFault(scope int, name string, args []string, action func([]string) error) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	if !faultsSwitch[scope].enabled.Load() {
		return
	}
	faultsSwitch[scope].actions.Store(name, &FaultAction{Args: args, Action: action})
}
