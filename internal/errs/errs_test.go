package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvalidConfigWrapsSentinel(t *testing.T) {
	err := InvalidConfig("grid_levels must be >= %d, got %d", 2, 1)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "grid_levels must be >= 2, got 1")
	assert.False(t, errors.Is(err, ErrTransient))
}

func TestPersistence(t *testing.T) {
	assert.Nil(t, Persistence("save state", nil))

	err := Persistence("save state", errors.New("disk full"))
	assert.True(t, errors.Is(err, ErrPersistenceFailure))
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("place: %w", ErrTransient)))
	assert.False(t, IsRetryable(ErrRejected))
	assert.False(t, IsRetryable(Drift("order %d missing", 7)))
}
