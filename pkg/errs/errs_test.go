package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "wrapped not found", err: fmt.Errorf("host 3: %w", ErrNotFound), want: http.StatusNotFound},
		{name: "invalid state", err: ErrInvalidState, want: http.StatusConflict},
		{name: "stale", err: ErrStale, want: http.StatusConflict},
		{name: "validation", err: ErrValidation, want: http.StatusBadRequest},
		{name: "media", err: ErrUnsupportedMedia, want: http.StatusUnsupportedMediaType},
		{name: "backend", err: ErrProvisioning, want: http.StatusBadGateway},
		{name: "handler down", err: ErrBareMetal, want: http.StatusServiceUnavailable},
		{name: "invariant", err: ErrInvariant, want: http.StatusInternalServerError},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestHandled(t *testing.T) {
	assert.Nil(t, Handled(nil))

	err := fmt.Errorf("sync provision 4: %w", Handled(fmt.Errorf("playbook: %w", ErrProvisioning)))
	assert.True(t, IsHandled(err))
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
	assert.False(t, IsHandled(ErrProvisioning))
}
