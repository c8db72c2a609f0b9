package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadline/internal/config"
	"squadline/internal/domain"
)

func TestResolveDefaultIsStable(t *testing.T) {
	cfg := config.Default("demo")
	r := New(cfg)
	for _, role := range domain.Roles() {
		first, err := r.Resolve(role, "")
		require.NoError(t, err)
		assert.Equal(t, cfg.Roles[string(role)], first.Backend.Name)
		assert.False(t, first.Fallback())
		for i := 0; i < 3; i++ {
			again, err := r.Resolve(role, "")
			require.NoError(t, err)
			assert.Equal(t, first.Backend.Name, again.Backend.Name)
		}
	}
}

func TestResolveUnknownRole(t *testing.T) {
	r := New(config.Default("demo"))
	_, err := r.Resolve("janitor", "")
	var ure UnknownRoleError
	require.True(t, errors.As(err, &ure))
	assert.Equal(t, "janitor", ure.Role)
}

func TestResolveOverride(t *testing.T) {
	r := New(config.Default("demo"))
	res, err := r.Resolve(domain.RoleCoder, "codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", res.Backend.Name)
	assert.False(t, res.Fallback())
}

func TestResolveDisabledOverrideFallsBack(t *testing.T) {
	r := New(config.Default("demo"))
	res, err := r.Resolve(domain.RoleCoder, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "claude", res.Backend.Name)
	assert.Equal(t, "gemini", res.FallbackFrom)
	assert.Equal(t, "backend disabled", res.FallbackReason)
}

func TestResolveUnknownOverrideFallsBack(t *testing.T) {
	r := New(config.Default("demo"))
	res, err := r.Resolve(domain.RoleTester, "nope")
	require.NoError(t, err)
	assert.Equal(t, "codex", res.Backend.Name)
	assert.Equal(t, "nope", res.FallbackFrom)
}

func TestResolveDisabledDefault(t *testing.T) {
	cfg, err := config.Default("demo").WithBackendEnabled("claude", false)
	require.NoError(t, err)
	_, err = New(cfg).Resolve(domain.RoleCoder, "")
	var ube UnknownBackendError
	require.True(t, errors.As(err, &ube))
	assert.Equal(t, "claude", ube.Backend)
}

func TestWithConfigDoesNotMutate(t *testing.T) {
	base := config.Default("demo")
	r := New(base)
	next, err := base.WithRoleBackend(domain.RoleCoder, "codex")
	require.NoError(t, err)
	r2 := r.WithConfig(next)

	a, _ := r.Resolve(domain.RoleCoder, "")
	b, _ := r2.Resolve(domain.RoleCoder, "")
	assert.Equal(t, "claude", a.Backend.Name)
	assert.Equal(t, "codex", b.Backend.Name)
}

func TestPoolFallbackPolicies(t *testing.T) {
	base := config.Default("demo")
	pool, err := New(base).Pool()
	require.NoError(t, err)
	require.Len(t, pool, 2)
	assert.Equal(t, "claude", pool[0].Name)
	assert.Equal(t, "codex", pool[1].Name)

	disabled, err := base.WithBackendEnabled("codex", false)
	require.NoError(t, err)
	pool, err = New(disabled).Pool()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "claude", pool[0].Name)

	strict := disabled.Clone()
	strict.Dispatch.PoolFallback = config.PoolFallbackFail
	_, err = New(strict).Pool()
	assert.Error(t, err)

	none, err := disabled.WithBackendEnabled("claude", false)
	require.NoError(t, err)
	_, err = New(none).Pool()
	assert.Error(t, err)
}

func TestRolesTable(t *testing.T) {
	rows := New(config.Default("demo")).Roles()
	require.Len(t, rows, len(domain.Roles()))
	assert.Equal(t, domain.RoleArchitect, rows[0].Role)
	assert.Equal(t, "claude", rows[0].Backend)
}
