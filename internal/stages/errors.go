package stages

import (
	"errors"
	"fmt"
)

// Collaborator failure kinds. Every *Error matches exactly one of these with
// errors.Is.
var (
	ErrGeneration     = errors.New("generation error")
	ErrExecution      = errors.New("execution error")
	ErrInfrastructure = errors.New("infrastructure error")
	ErrIntegration    = errors.New("integration error")
)

// Stage names used in errors, metrics and transition metadata.
const (
	StagePlanning     = "planning"
	StageExecution    = "execution"
	StageQualityGate  = "quality_gate"
	StagePullRequest  = "pull_request"
	StageSpecApproval = "spec_approval"
	StagePRApproval   = "pr_approval"
)

// Error is a collaborator failure tagged with its kind and stage.
type Error struct {
	Kind  error
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// GenerationError wraps a planning failure.
func GenerationError(err error) error {
	return &Error{Kind: ErrGeneration, Stage: StagePlanning, Err: err}
}

// ExecutionError wraps an execution failure.
func ExecutionError(err error) error {
	return &Error{Kind: ErrExecution, Stage: StageExecution, Err: err}
}

// InfrastructureError wraps a quality-gate runner failure.
func InfrastructureError(err error) error {
	return &Error{Kind: ErrInfrastructure, Stage: StageQualityGate, Err: err}
}

// IntegrationError wraps a PR creation failure.
func IntegrationError(err error) error {
	return &Error{Kind: ErrIntegration, Stage: StagePullRequest, Err: err}
}

// Classify wraps err as a stage failure of the default kind for stage unless
// it already carries a kind.
func Classify(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch stage {
	case StagePlanning:
		return GenerationError(err)
	case StageExecution:
		return ExecutionError(err)
	case StageQualityGate:
		return InfrastructureError(err)
	case StagePullRequest:
		return IntegrationError(err)
	}
	return &Error{Kind: ErrIntegration, Stage: stage, Err: err}
}

func errMissing(name string) error {
	return fmt.Errorf("stages: %s not configured", name)
}
