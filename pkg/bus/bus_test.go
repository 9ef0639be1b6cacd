package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminal(t *testing.T) {
	base := errors.New("bad payload")

	assert.Nil(t, Terminal(nil))
	assert.False(t, IsTerminal(base))

	wrapped := fmt.Errorf("task failed: %w", Terminal(base))
	assert.True(t, IsTerminal(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "task failed: bad payload", wrapped.Error())
}
