package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorError(t *testing.T) {
	baseErr := errors.New("base error")

	tests := []struct {
		name     string
		err      *ValidationError
		contains []string
	}{
		{
			name:     "full error",
			err:      NewValidationError("rate_limit", "rules", baseErr),
			contains: []string{"rate_limit", "rules", "base error"},
		},
		{
			name:     "no field",
			err:      NewValidationError("server", "", errors.New("bind_addr required")),
			contains: []string{"server", "bind_addr required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			for _, substr := range tt.contains {
				assert.Contains(t, errStr, substr)
			}
		})
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	baseErr := errors.New("base error")
	validationErr := NewValidationError("section", "field", baseErr)

	assert.Equal(t, baseErr, validationErr.Unwrap())
	assert.True(t, errors.Is(validationErr, baseErr))
}

func TestLoadErrorError(t *testing.T) {
	err := &LoadError{File: "hitl.yaml", Err: errors.New("file not found")}
	errStr := err.Error()
	assert.Contains(t, errStr, "hitl.yaml")
	assert.Contains(t, errStr, "file not found")
}

func TestLoadErrorUnwrap(t *testing.T) {
	baseErr := errors.New("base error")
	loadErr := &LoadError{File: "test.yaml", Err: baseErr}

	assert.Equal(t, baseErr, loadErr.Unwrap())
	assert.True(t, errors.Is(loadErr, baseErr))
}
