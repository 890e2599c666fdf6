package statemanager

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type LocalStateManager struct {
	mu sync.Mutex
	// RunMap is a map of runId to State, used for looking up or modifying the state of a run.
	RunMap map[string]*State
	// now is swapped out by tests.
	now func() time.Time
}

// CreateState implements StateManager.
// CreateState registers a new run in the PENDING stage.
func (l *LocalStateManager) CreateState(runId, workflow string) error {
	if runId == "" {
		return errors.New("runId is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.RunMap[runId]; ok {
		return errors.Newf("run %s already exists", runId)
	}
	now := l.now()
	l.RunMap[runId] = &State{
		Workflow:  workflow,
		Stage:     StagePending,
		Timestamp: now,
		Stacks:    make(map[string]StackObservation),
		Transitions: []StateTransition{
			{
				From:           StagePending,
				To:             StagePending,
				TransitionTime: now,
				Reason:         fmt.Sprintf("%s run started", workflow),
			},
		},
	}
	return nil
}

// GetState implements StateManager.
// The returned State is a copy and safe to keep.
func (l *LocalStateManager) GetState(runId string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.RunMap[runId]
	if !ok {
		return State{}, errors.Newf("run %s doesn't exist", runId)
	}
	out := *state
	out.Transitions = slices.Clone(state.Transitions)
	out.Stacks = maps.Clone(state.Stacks)
	return out, nil
}

// UpdateStage implements StateManager.
func (l *LocalStateManager) UpdateStage(runId, reason string, stage Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.RunMap[runId]
	if !ok {
		return errors.Newf("run %s doesn't exist", runId)
	}
	now := l.now()
	state.Transitions = append(state.Transitions, StateTransition{
		From:           state.Stage,
		To:             stage,
		TransitionTime: now,
		Reason:         reason,
	})
	state.Stage = stage
	state.Timestamp = now
	return nil
}

// ObserveStack implements StateManager.
func (l *LocalStateManager) ObserveStack(runId, stack string, status StackState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.RunMap[runId]
	if !ok {
		return errors.Newf("run %s doesn't exist", runId)
	}
	state.Stacks[stack] = StackObservation{Status: status, ObservedAt: l.now()}
	state.LastStack = stack
	return nil
}

func NewLocalStateManager() StateManager {
	return &LocalStateManager{
		RunMap: make(map[string]*State),
		now:    time.Now,
	}
}
