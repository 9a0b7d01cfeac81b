package auth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockedError(t *testing.T) {
	err := error(&LockedError{RetryAfter: 900 * time.Second})

	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Contains(t, err.Error(), "900 seconds")

	var locked *LockedError
	wrapped := fmt.Errorf("login: %w", err)
	if assert.True(t, errors.As(wrapped, &locked)) {
		assert.Equal(t, 900*time.Second, locked.RetryAfter)
	}

	assert.Equal(t, ErrAccountLocked.Error(), (&LockedError{}).Error())
}

func TestDuplicateError(t *testing.T) {
	err := error(&DuplicateError{Field: "email", Value: "alice@x.com"})

	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "email 'alice@x.com' already exists", err.Error())
}
