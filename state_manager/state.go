package statemanager

import (
	"strings"
	"time"
)

// StackState is a CloudFormation stack status, plus ABSENT for a stack that does not exist.
type StackState string

const (
	StackAbsent StackState = "ABSENT"

	StackCreateInProgress StackState = "CREATE_IN_PROGRESS"
	StackCreateComplete   StackState = "CREATE_COMPLETE"
	StackCreateFailed     StackState = "CREATE_FAILED"

	StackRollbackInProgress StackState = "ROLLBACK_IN_PROGRESS"
	StackRollbackComplete   StackState = "ROLLBACK_COMPLETE"
	StackRollbackFailed     StackState = "ROLLBACK_FAILED"

	StackUpdateInProgress                StackState = "UPDATE_IN_PROGRESS"
	StackUpdateCompleteCleanupInProgress StackState = "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS"
	StackUpdateComplete                  StackState = "UPDATE_COMPLETE"
	StackUpdateFailed                    StackState = "UPDATE_FAILED"
	StackUpdateRollbackInProgress        StackState = "UPDATE_ROLLBACK_IN_PROGRESS"
	StackUpdateRollbackComplete          StackState = "UPDATE_ROLLBACK_COMPLETE"
	StackUpdateRollbackFailed            StackState = "UPDATE_ROLLBACK_FAILED"

	StackDeleteInProgress StackState = "DELETE_IN_PROGRESS"
	StackDeleteComplete   StackState = "DELETE_COMPLETE"
	StackDeleteFailed     StackState = "DELETE_FAILED"

	StackImportComplete         StackState = "IMPORT_COMPLETE"
	StackImportRollbackComplete StackState = "IMPORT_ROLLBACK_COMPLETE"
)

// IsInProgress reports whether a mutation is in flight. No new operation may be issued
// against a stack in this state.
func (s StackState) IsInProgress() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// IsTerminal reports whether the stack will stay in this state until someone issues a
// new operation.
func (s StackState) IsTerminal() bool {
	return s != "" && !s.IsInProgress()
}

// IsAbsent treats a deleted stack the same as one that never existed.
func (s StackState) IsAbsent() bool {
	return s == StackAbsent || s == StackDeleteComplete
}

// IsSuccess reports whether a create or update finished as requested.
func (s StackState) IsSuccess() bool {
	switch s {
	case StackCreateComplete, StackUpdateComplete, StackImportComplete:
		return true
	}
	return false
}

// IsUpdatable reports whether an update may be issued against the stack.
func (s StackState) IsUpdatable() bool {
	switch s {
	case StackCreateComplete, StackUpdateComplete, StackUpdateRollbackComplete,
		StackImportComplete, StackImportRollbackComplete:
		return true
	}
	return false
}

// IsFailure reports a terminal state that needs an operator to look at the stack.
func (s StackState) IsFailure() bool {
	return s.IsTerminal() && !s.IsSuccess() && !s.IsAbsent()
}

// Stage is a step of one of the workflows.
type Stage string

const (
	StagePending Stage = "PENDING"

	// Provisioning
	StageEnsureStorage    Stage = "ENSURE_STORAGE"
	StageStageArtifacts   Stage = "STAGE_ARTIFACTS"
	StageUpsertCIStack    Stage = "UPSERT_CI_STACK"
	StageAwaitCIComplete  Stage = "AWAIT_CI_COMPLETE"
	StageAwaitWebAppear   Stage = "AWAIT_WEB_STACK_APPEARANCE"
	StageAwaitWebComplete Stage = "AWAIT_WEB_COMPLETE"
	StageCheckSiteHealth  Stage = "CHECK_SITE_HEALTH"
	StageDone             Stage = "DONE"
	StageFailed           Stage = "FAILED"

	// Status
	StageFindCIStack  Stage = "FIND_CI_STACK"
	StageFindWebStack Stage = "FIND_WEB_STACK"

	// Teardown
	StageConfirm        Stage = "CONFIRM"
	StageDeleteWebStack Stage = "DELETE_WEB_STACK"
	StageDeleteCIStack  Stage = "DELETE_CI_STACK"
)

// ProvisioningStages is the fixed order of the provisioning workflow. CHECK_SITE_HEALTH
// only runs when the health gate is enabled.
var ProvisioningStages = []Stage{
	StageEnsureStorage,
	StageStageArtifacts,
	StageUpsertCIStack,
	StageAwaitCIComplete,
	StageAwaitWebAppear,
	StageAwaitWebComplete,
	StageCheckSiteHealth,
	StageDone,
}

const (
	WorkflowProvision = "provision"
	WorkflowStatus    = "status"
	WorkflowTeardown  = "teardown"
)

type StateTransition struct {
	From           Stage
	To             Stage
	TransitionTime time.Time
	Reason         string
}

// StackObservation is the most recent status seen for a stack during a run. It is kept
// for reporting only and never used to decide the next operation.
type StackObservation struct {
	Status     StackState
	ObservedAt time.Time
}

type State struct {
	Workflow    string
	Stage       Stage
	Timestamp   time.Time
	Transitions []StateTransition
	Stacks      map[string]StackObservation
	// LastStack is the stack observed most recently, used when reporting a failure.
	LastStack string
}

// LastObserved returns the most recently observed stack state, or "" if no stack has
// been looked at yet.
func (s State) LastObserved() StackState {
	if obs, ok := s.Stacks[s.LastStack]; ok {
		return obs.Status
	}
	return ""
}

type StateManager interface {
	CreateState(runId, workflow string) error
	GetState(runId string) (State, error)
	UpdateStage(runId, reason string, stage Stage) error
	ObserveStack(runId, stack string, status StackState) error
}
