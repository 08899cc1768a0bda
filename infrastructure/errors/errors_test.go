package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverErrorClassification(t *testing.T) {
	underlying := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("is_running", "vm-1", underlying), KindNotFound},
		{"retryable", Retryable("execute_delete", "vm-2", underlying), KindRetryable},
		{"fatal explicit", Fatal("stop", "vm-3", underlying), KindFatal},
		{"fatal by default", underlying, KindFatal},
		{"nil", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsHelpers(t *testing.T) {
	nf := NotFound("is_deleted", "vm-1", nil)
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsRetryable(nf), "NotFound must not also classify as retryable")
	assert.False(t, IsFatal(nf), "NotFound must not also classify as fatal")

	rt := Retryable("shutdown", "vm-2", nil)
	assert.True(t, IsRetryable(rt))

	plain := errors.New("boom")
	assert.True(t, IsFatal(plain), "unclassified errors must default to fatal")
	assert.False(t, IsFatal(nil), "nil must never be fatal")
}

func TestDriverErrorUnwrap(t *testing.T) {
	underlying := errors.New("timeout")
	err := Retryable("is_running", "vm-1", underlying)

	require.ErrorIs(t, err, underlying)
	assert.Equal(t, underlying, err.Unwrap())
}

func TestDriverErrorMessage(t *testing.T) {
	err := Fatal("execute_delete", "vm-9", errors.New("bad credentials"))
	want := fmt.Sprintf("%s[execute_delete vmid=vm-9]: bad credentials", KindFatal)
	assert.Equal(t, want, err.Error())
}
