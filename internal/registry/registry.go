// Package registry maps roles to the backends that serve them.
package registry

import (
	"fmt"

	"squadline/internal/config"
	"squadline/internal/domain"
)

// UnknownRoleError indicates a role outside the fixed set.
type UnknownRoleError struct {
	Role string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Role)
}

// UnknownBackendError indicates a backend that is undeclared or disabled
// with nothing to fall back to.
type UnknownBackendError struct {
	Backend string
	Reason  string
}

func (e UnknownBackendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backend %q unavailable: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("unknown backend %q", e.Backend)
}

// Resolution is the backend chosen for a dispatch.
type Resolution struct {
	Role    domain.Role
	Backend config.Backend
	// FallbackFrom names the requested override when it could not be honored.
	FallbackFrom   string
	FallbackReason string
}

// Fallback reports whether the override was replaced by the role default.
func (r Resolution) Fallback() bool { return r.FallbackFrom != "" }

// Registry resolves roles against one immutable config version.
type Registry struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// WithConfig returns a registry bound to a new config version.
func (r *Registry) WithConfig(cfg *config.Config) *Registry {
	return New(cfg)
}

// Config returns the config version this registry was built from.
func (r *Registry) Config() *config.Config { return r.cfg }

// Resolve picks the backend for a role. An override naming an unknown or
// disabled backend falls back to the role default.
func (r *Registry) Resolve(role domain.Role, override string) (Resolution, error) {
	if !domain.ValidRole(role) {
		return Resolution{}, UnknownRoleError{Role: string(role)}
	}
	res := Resolution{Role: role}
	if override != "" {
		b, ok := r.cfg.Backend(override)
		switch {
		case !ok:
			res.FallbackFrom, res.FallbackReason = override, "unknown backend"
		case b.Disabled:
			res.FallbackFrom, res.FallbackReason = override, "backend disabled"
		default:
			res.Backend = b
			return res, nil
		}
	}
	name := r.cfg.Roles[string(role)]
	b, ok := r.cfg.Backend(name)
	if !ok {
		return Resolution{}, UnknownBackendError{Backend: name, Reason: "not declared"}
	}
	if b.Disabled {
		return Resolution{}, UnknownBackendError{Backend: name, Reason: fmt.Sprintf("default backend for %s is disabled", role)}
	}
	res.Backend = b
	return res, nil
}

// Default returns the role's configured default backend name.
func (r *Registry) Default(role domain.Role) (string, error) {
	if !domain.ValidRole(role) {
		return "", UnknownRoleError{Role: string(role)}
	}
	return r.cfg.Roles[string(role)], nil
}

// Pool returns the parallel-dispatch slots after applying the pool fallback
// policy. With "remaining", disabled slots are dropped. With "fail", any
// disabled slot is an error.
func (r *Registry) Pool() ([]config.Backend, error) {
	var pool []config.Backend
	for _, name := range r.cfg.Pool {
		b, ok := r.cfg.Backend(name)
		if !ok {
			return nil, UnknownBackendError{Backend: name, Reason: "not declared"}
		}
		if b.Disabled {
			if r.cfg.Dispatch.PoolFallback == config.PoolFallbackFail {
				return nil, UnknownBackendError{Backend: name, Reason: "pool slot disabled"}
			}
			continue
		}
		pool = append(pool, b)
	}
	if len(pool) == 0 {
		return nil, UnknownBackendError{Backend: "", Reason: "no enabled pool backends"}
	}
	return pool, nil
}

// RoleBinding is one row of the role table.
type RoleBinding struct {
	Role     domain.Role `json:"role"`
	Backend  string      `json:"backend"`
	Disabled bool        `json:"disabled"`
}

// Roles lists every role with its default backend.
func (r *Registry) Roles() []RoleBinding {
	out := make([]RoleBinding, 0, len(domain.Roles()))
	for _, role := range domain.Roles() {
		name := r.cfg.Roles[string(role)]
		b, _ := r.cfg.Backend(name)
		out = append(out, RoleBinding{Role: role, Backend: name, Disabled: b.Disabled})
	}
	return out
}
