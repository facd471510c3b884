package router

import (
	"testing"

	"github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestShouldRetry(t *testing.T) {
	log := logger.NewNoopLogger()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", errors.NewError("bad payload").Mark(errors.ErrValidation), false},
		{"nothing to do", errors.NewError("no items").Mark(errors.ErrNothingToDo), false},
		{"database", errors.NewError("connection reset").Mark(errors.ErrDatabase), true},
		{"unknown", assert.AnError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRetry(log, tt.err))
		})
	}
}
