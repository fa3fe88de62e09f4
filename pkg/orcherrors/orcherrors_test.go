package orcherrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("boom")
	err := Transient("dispatch", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, Is(err, KindTransientExternal))
	assert.Equal(t, KindTransientExternal, KindOf(err))
}

func TestKindOfUnclassifiedErrorIsFatalLocal(t *testing.T) {
	assert.Equal(t, KindFatalLocal, KindOf(errors.New("plain")))
}

func TestOnlyTransientExternalIsRetryable(t *testing.T) {
	assert.True(t, KindTransientExternal.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindProtocol.Retryable())
	assert.False(t, KindFatalLocal.Retryable())
	assert.False(t, KindSupervisory.Retryable())
}
