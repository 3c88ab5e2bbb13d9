package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		err   error
		kind  error
		stage string
	}{
		{GenerationError(cause), ErrGeneration, StagePlanning},
		{ExecutionError(cause), ErrExecution, StageExecution},
		{InfrastructureError(cause), ErrInfrastructure, StageQualityGate},
		{IntegrationError(cause), ErrIntegration, StagePullRequest},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.kind)
		assert.ErrorIs(t, tc.err, cause)
		var se *Error
		if assert.True(t, errors.As(tc.err, &se)) {
			assert.Equal(t, tc.stage, se.Stage)
		}
		assert.Contains(t, tc.err.Error(), "boom")
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	orig := InfrastructureError(errors.New("runner down"))
	got := Classify(StageExecution, orig)
	assert.ErrorIs(t, got, ErrInfrastructure)
	assert.NotErrorIs(t, got, ErrExecution)

	plain := Classify(StageExecution, context.DeadlineExceeded)
	assert.ErrorIs(t, plain, ErrExecution)
	assert.ErrorIs(t, plain, context.DeadlineExceeded)
	assert.Nil(t, Classify(StagePlanning, nil))
}

func TestSetValidate(t *testing.T) {
	assert.Error(t, Set{}.Validate())
}
