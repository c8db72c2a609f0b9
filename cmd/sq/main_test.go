package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadline/internal/domain"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"coder=write parser", "tester=cover lexer::internal/lex.go"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleCoder, got[0].Role)
	assert.Equal(t, "write parser", got[0].Task)
	assert.Empty(t, got[0].TargetFile)
	assert.Equal(t, "cover lexer", got[1].Task)
	assert.Equal(t, "internal/lex.go", got[1].TargetFile)

	_, err = parseAssignments([]string{"coder"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=task"})
	assert.Error(t, err)
}

func TestStatusExitCodes(t *testing.T) {
	cases := map[domain.Status]int{
		domain.StatusOK:          0,
		domain.StatusTimeout:     124,
		domain.StatusNonzero:     1,
		domain.StatusNotFound:    1,
		domain.StatusUnknownRole: 1,
	}
	for status, want := range cases {
		err := statusExit(domain.InvocationResult{Status: status})
		if want == 0 {
			assert.NoError(t, err, status)
			continue
		}
		var ee exitError
		require.True(t, errors.As(err, &ee), status)
		assert.Equal(t, want, ee.code, status)
	}
}

func TestLoopback(t *testing.T) {
	assert.True(t, loopback("127.0.0.1:8080"))
	assert.True(t, loopback("localhost:8080"))
	assert.True(t, loopback("[::1]:8080"))
	assert.False(t, loopback("0.0.0.0:8080"))
	assert.False(t, loopback(":8080"))
}
