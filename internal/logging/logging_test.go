package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
}

func TestNewAcceptsFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}

func TestNewTestObserves(t *testing.T) {
	l, logs := NewTest()
	l.Warn("fallback", zap.String("role", "coder"))
	entries := logs.FilterMessage("fallback").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "coder", entries[0].ContextMap()["role"])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
