package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeStore, "list expired memberships")

	assert.True(t, HasCode(err, CodeStore))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeStore, "noop"))
}

func TestHasCodeFindsInnerCode(t *testing.T) {
	inner := New(CodeVerificationUnavailable, "authority unreachable")
	outer := Wrap(fmt.Errorf("link: %w", inner), CodeInternal, "link failed")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeVerificationUnavailable))
	assert.False(t, HasCode(outer, CodeVerificationFailed))
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
}

func TestAs(t *testing.T) {
	de, ok := As(fmt.Errorf("ctx: %w", New(CodeGatewayFailure, "join not confirmed")))
	assert.True(t, ok)
	assert.Equal(t, CodeGatewayFailure, de.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}
