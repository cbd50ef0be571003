package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrEmbeddingUnavailable, "embed", "batch 0-10", cause)

	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "embed: embedding unavailable (batch 0-10): connection refused", err.Error())
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(ErrToolFailure, "op", "x", nil))
}

func TestWrap_DeadlineIsTimeout(t *testing.T) {
	err := Wrap(ErrToolFailure, "tool", "getPatientHistory", fmt.Errorf("read: %w", context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrToolFailure)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid", Wrap(ErrInvalidInput, "decode", "", errors.New("bad json")), http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"timeout", Wrap(ErrReasoningUnavailable, "llm", "", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"cancelled", context.Canceled, 499},
		{"embedding", ErrEmbeddingUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
