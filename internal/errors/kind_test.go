package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		desc     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", New("boom"), KindUnknown},
		{"transient", Transient(errWrapped), KindTransient},
		{"rejected", Rejected(errWrapped), KindRejected},
		{"guardrail", GuardrailBreach(errWrapped), KindGuardrailBreach},
		{"fatal", Fatal(errWrapped), KindFatal},
		{"wrapped transient", Wrap(Transient(errWrapped), "submit order"), KindTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestWithKindKeepsCause(t *testing.T) {
	err := Wrap(Rejected(errWrapped), "place order")
	require.Error(t, err)
	assert.True(t, Is(err, errWrapped))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(Transient(errWrapped)))
	assert.Nil(t, Transient(nil))
}
