package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("demo")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "demo", cfg.Project.ID)
	assert.Equal(t, []string{"claude", "codex"}, cfg.Pool)
	assert.Equal(t, []string{"tests", "lint", "typecheck"}, cfg.Gate.Order)
	assert.Equal(t, 10*time.Minute, cfg.Backends["claude"].Timeout)
	assert.True(t, cfg.Backends["gemini"].Disabled)
	for _, role := range domain.Roles() {
		assert.NotEmpty(t, cfg.Roles[string(role)], "role %s", role)
	}
}

func TestFromYAMLRejectsUnknownBackendForRole(t *testing.T) {
	cfg := Default("demo").Clone()
	cfg.Roles["coder"] = "missing"
	assert.ErrorContains(t, cfg.Validate(), "unknown backend missing")
}

func TestValidateRejectsPromptlessTemplate(t *testing.T) {
	cfg := Default("demo").Clone()
	b := cfg.Backends["claude"]
	b.Args = []string{"{auto_accept}"}
	cfg.Backends["claude"] = b
	assert.ErrorContains(t, cfg.Validate(), "{prompt}")
}

func TestValidateRejectsUnknownPlaceholder(t *testing.T) {
	cfg := Default("demo").Clone()
	b := cfg.Backends["claude"]
	b.Args = []string{"{prompt}", "{model}"}
	cfg.Backends["claude"] = b
	assert.ErrorContains(t, cfg.Validate(), "unknown placeholder")
}

func TestValidateFlagListPlaceholders(t *testing.T) {
	cfg := Default("demo").Clone()
	b := cfg.Backends["claude"]
	b.Continue = []string{"--resume", "{session_id}"}
	cfg.Backends["claude"] = b
	require.NoError(t, cfg.Validate())

	b.Continue = []string{"--resume", "{prompt}"}
	cfg.Backends["claude"] = b
	assert.ErrorContains(t, cfg.Validate(), "continue may only use {session_id}")

	b.Continue = nil
	b.Start = []string{"{continue}"}
	cfg.Backends["claude"] = b
	assert.ErrorContains(t, cfg.Validate(), "start may only use {session_id}")
}

func TestDefaultKeysContinuationBySession(t *testing.T) {
	cfg := Default("demo")
	claude := cfg.Backends["claude"]
	assert.Equal(t, []string{"--session-id", "{session_id}"}, claude.Start)
	assert.Equal(t, []string{"--resume", "{session_id}"}, claude.Continue)
	for name, b := range cfg.Backends {
		if b.SupportsContinuation {
			assert.Contains(t, b.Continue, PlaceholderSessionID, "backend %s resumes without naming the session", name)
		}
	}
}

func TestValidateRejectsBadPoolFallback(t *testing.T) {
	cfg := Default("demo").Clone()
	cfg.Dispatch.PoolFallback = "maybe"
	assert.Error(t, cfg.Validate())
}

func TestWithBackendEnabledLeavesOriginalUntouched(t *testing.T) {
	base := Default("demo")
	next, err := base.WithBackendEnabled("codex", false)
	require.NoError(t, err)
	assert.True(t, next.Backends["codex"].Disabled)
	assert.False(t, base.Backends["codex"].Disabled)

	_, err = base.WithBackendEnabled("nope", true)
	assert.Error(t, err)
}

func TestWithRoleBackendValidates(t *testing.T) {
	base := Default("demo")
	next, err := base.WithRoleBackend(domain.RoleCoder, "codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", next.Roles["coder"])
	assert.Equal(t, "claude", base.Roles["coder"])

	_, err = base.WithRoleBackend(domain.RoleCoder, "nope")
	assert.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("from-file")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Project.ID)
}

func TestLoadMissingMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "sq config init")
}
