package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadline/internal/config"
	"squadline/internal/domain"
)

func shCheck(script string) config.CheckConfig {
	return config.CheckConfig{Command: []string{"/bin/sh", "-c", script}, Timeout: 5 * time.Second}
}

func testGate(checks map[string]config.CheckConfig, order ...string) *Engine {
	return New(config.GateConfig{Order: order, Checks: checks, Review: config.ReviewConfig{Marker: "APPROVED"}}, nil, nil, nil)
}

func TestFailingTestsGiveNoGo(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"tests": shCheck(`echo "FAIL: 2 failing"; exit 1`),
	}, "tests")

	v := g.Evaluate(context.Background(), []string{"tests"}, "")
	assert.Equal(t, domain.DecisionNoGo, v.Decision)
	require.Len(t, v.Results, 1)
	assert.Equal(t, domain.CheckFail, v.Results[0].Status)
	assert.Contains(t, v.Results[0].Detail, "2 failing")
}

func TestAllChecksRunInOrder(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"tests":     shCheck(`exit 1`),
		"lint":      shCheck(`echo clean`),
		"typecheck": shCheck(`exit 0`),
	}, "tests", "lint", "typecheck")

	v := g.Evaluate(context.Background(), nil, "")
	assert.Equal(t, domain.DecisionNoGo, v.Decision)
	require.Len(t, v.Results, 3)
	assert.Equal(t, []string{"tests", "lint", "typecheck"}, []string{v.Results[0].Name, v.Results[1].Name, v.Results[2].Name})
	assert.Equal(t, domain.CheckFail, v.Results[0].Status)
	assert.Equal(t, domain.CheckPass, v.Results[1].Status)
	assert.Equal(t, domain.CheckPass, v.Results[2].Status)
	assert.Len(t, v.Failing(), 1)
}

func TestAllPassGivesGo(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"tests": shCheck(`true`),
		"lint":  shCheck(`true`),
	}, "tests", "lint")
	v := g.Evaluate(context.Background(), nil, "")
	assert.Equal(t, domain.DecisionGo, v.Decision)
	assert.Empty(t, v.Failing())
}

func TestMissingToolIsError(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"lint": {Command: []string{"squadline-no-such-linter"}},
		"test": shCheck(`true`),
	})
	v := g.Evaluate(context.Background(), []string{"lint", "test"}, "")
	assert.Equal(t, domain.DecisionNoGo, v.Decision)
	assert.Equal(t, domain.CheckError, v.Results[0].Status)
	assert.Equal(t, domain.CheckPass, v.Results[1].Status)
}

func TestTimeoutIsError(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"tests": {Command: []string{"/bin/sh", "-c", "sleep 30"}, Timeout: 100 * time.Millisecond},
	})
	v := g.Evaluate(context.Background(), []string{"tests"}, "")
	assert.Equal(t, domain.CheckError, v.Results[0].Status)
	assert.Contains(t, v.Results[0].Detail, "did not finish")
}

func TestUnknownCheckIsErrorAndOthersStillRun(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{"tests": shCheck(`true`)})
	v := g.Evaluate(context.Background(), []string{"fuzz", "tests"}, "")
	require.Len(t, v.Results, 2)
	assert.Equal(t, domain.CheckError, v.Results[0].Status)
	assert.Equal(t, "unknown check", v.Results[0].Detail)
	assert.Equal(t, domain.CheckPass, v.Results[1].Status)
}

func TestWorkingDir(t *testing.T) {
	dir := t.TempDir()
	g := testGate(map[string]config.CheckConfig{"tests": shCheck(`pwd`)})
	v := g.Evaluate(context.Background(), []string{"tests"}, dir)
	assert.Contains(t, v.Results[0].Detail, dir)
}

type fakeReviewer struct {
	res    domain.InvocationResult
	prompt string
}

func (f *fakeReviewer) Review(_ context.Context, prompt string) domain.InvocationResult {
	f.prompt = prompt
	return f.res
}

func TestReviewCheck(t *testing.T) {
	cases := []struct {
		name string
		res  domain.InvocationResult
		want domain.CheckStatus
	}{
		{"approved", domain.InvocationResult{Status: domain.StatusOK, Output: "\nAPPROVED\nlooks good"}, domain.CheckPass},
		{"approved bold", domain.InvocationResult{Status: domain.StatusOK, Output: "**APPROVED**: ship it"}, domain.CheckPass},
		{"changes", domain.InvocationResult{Status: domain.StatusOK, Output: "missing tests"}, domain.CheckFail},
		{"rejected", domain.InvocationResult{Status: domain.StatusOK, Output: "NOT APPROVED: race in dispatcher"}, domain.CheckFail},
		{"marker as prefix", domain.InvocationResult{Status: domain.StatusOK, Output: "APPROVEDISH, mostly"}, domain.CheckFail},
		{"marker later", domain.InvocationResult{Status: domain.StatusOK, Output: "blocking: data race\nwould be APPROVED once fixed"}, domain.CheckFail},
		{"timeout", domain.InvocationResult{Status: domain.StatusTimeout}, domain.CheckError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeReviewer{res: tc.res}
			g := testGate(nil)
			g.Reviewer = r
			v := g.Evaluate(context.Background(), []string{config.ReviewCheck}, "")
			assert.Equal(t, tc.want, v.Results[0].Status)
			assert.Contains(t, r.prompt, "APPROVED")
		})
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	g := testGate(map[string]config.CheckConfig{
		"tests": shCheck(`true`),
		"lint":  shCheck(`exit 2`),
	}, "tests", "lint")
	var states []State
	var indexes []int
	g.Observer = func(tr Transition) {
		states = append(states, tr.State)
		indexes = append(indexes, tr.Index)
	}
	g.Evaluate(context.Background(), nil, "")
	assert.Equal(t, []State{StatePending, StateRunning, StateRunning, StateNoGo}, states)
	assert.Equal(t, []int{-1, 0, 1, -1}, indexes)
}

func TestVerdictIsFreshEachRun(t *testing.T) {
	marker := t.TempDir() + "/pass"
	g := testGate(map[string]config.CheckConfig{
		"tests": shCheck(`test -f ` + marker),
	})
	first := g.Evaluate(context.Background(), []string{"tests"}, "")
	assert.Equal(t, domain.DecisionNoGo, first.Decision)

	g2 := testGate(map[string]config.CheckConfig{"tests": shCheck(`touch ` + marker)})
	g2.Evaluate(context.Background(), []string{"tests"}, "")

	second := g.Evaluate(context.Background(), []string{"tests"}, "")
	assert.Equal(t, domain.DecisionGo, second.Decision)
}
