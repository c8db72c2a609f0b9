package domain

import (
	"fmt"
	"time"
)

// Role names a worker responsibility.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleCoder     Role = "coder"
	RoleTester    Role = "tester"
	RoleReviewer  Role = "reviewer"
	RoleDevops    Role = "devops"
	RoleAD        Role = "ad"
	RoleChef      Role = "chef"
)

// Roles returns the fixed role set in registry order.
func Roles() []Role {
	return []Role{RoleArchitect, RoleCoder, RoleTester, RoleReviewer, RoleDevops, RoleAD, RoleChef}
}

// ValidRole reports whether r belongs to the fixed role set.
func ValidRole(r Role) bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// Status is the terminal outcome of a dispatch.
type Status string

const (
	StatusOK              Status = "ok"
	StatusTimeout         Status = "timeout"
	StatusNonzero         Status = "nonzero"
	StatusNotFound        Status = "not_found"
	StatusUnknownRole     Status = "unknown_role"
	StatusUnknownBackend  Status = "unknown_backend"
	StatusNoActiveSession Status = "no_active_session"
	StatusCanceled        Status = "canceled"
)

// InvocationResult is the outcome of one backend invocation.
type InvocationResult struct {
	Role         Role          `json:"role"`
	Backend      string        `json:"backend,omitempty"`
	Status       Status        `json:"status"`
	Output       string        `json:"output"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	SessionID    string        `json:"session_id,omitempty"`
	Turn         int           `json:"turn,omitempty"`
	FallbackFrom string        `json:"fallback_from,omitempty"`
	Hint         string        `json:"hint,omitempty"`
	Retried      bool          `json:"retried,omitempty"`
	PID          int           `json:"-"`
}

// OK reports whether the invocation succeeded.
func (r InvocationResult) OK() bool { return r.Status == StatusOK }

// Assignment is a unit of work for a role.
type Assignment struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	Task       string `json:"task"`
	Backend    string `json:"backend,omitempty"`
	TargetFile string `json:"target_file,omitempty"`
}

// FeedbackEnvelope carries one role's output to another role's session.
type FeedbackEnvelope struct {
	FromRole   Role   `json:"from_role"`
	ToRole     Role   `json:"to_role"`
	Artifact   string `json:"artifact"`
	Annotation string `json:"annotation,omitempty"`
	// Backend pins the target session. Empty means the role's default
	// session, then its most recently used one.
	Backend string `json:"backend,omitempty"`
}

// DeliveryResult is the per-role outcome of a broadcast.
type DeliveryResult struct {
	Role   Role             `json:"role"`
	Result InvocationResult `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// CheckStatus is the outcome of one gate check.
type CheckStatus string

const (
	CheckPass  CheckStatus = "pass"
	CheckFail  CheckStatus = "fail"
	CheckError CheckStatus = "error"
)

// GateCheck records one executed check.
type GateCheck struct {
	Name     string        `json:"check"`
	Command  []string      `json:"command,omitempty"`
	Status   CheckStatus   `json:"status"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration"`
}

// Decision is the aggregate gate outcome.
type Decision string

const (
	DecisionGo   Decision = "go"
	DecisionNoGo Decision = "no_go"
)

// GateVerdict aggregates check results in declared order.
type GateVerdict struct {
	Decision Decision    `json:"verdict"`
	Results  []GateCheck `json:"results"`
}

// Failing returns the checks that did not pass.
func (v GateVerdict) Failing() []GateCheck {
	var out []GateCheck
	for _, c := range v.Results {
		if c.Status != CheckPass {
			out = append(out, c)
		}
	}
	return out
}

// Section names a playbook section.
type Section string

const (
	SectionVision  Section = "vision"
	SectionTeam    Section = "team"
	SectionSprints Section = "sprints"
	SectionCurrent Section = "current"
	SectionNotes   Section = "notes"
)

// Sections returns the fixed section set.
func Sections() []Section {
	return []Section{SectionVision, SectionTeam, SectionSprints, SectionCurrent, SectionNotes}
}

// UnknownSectionError is returned for section names outside the fixed set.
type UnknownSectionError struct {
	Section string
}

func (e UnknownSectionError) Error() string {
	return fmt.Sprintf("unknown playbook section %q", e.Section)
}

// ParseSection validates a section name.
func ParseSection(name string) (Section, error) {
	for _, s := range Sections() {
		if string(s) == name {
			return s, nil
		}
	}
	return "", UnknownSectionError{Section: name}
}

type PlaybookSection struct {
	ProjectID string  `json:"project_id"`
	Name      Section `json:"name"`
	Content   string  `json:"content"`
	UpdatedAt string  `json:"updated_at,omitempty" format:"date-time"`
}

// Playbook is the full section map for a project.
type Playbook struct {
	ProjectID string                      `json:"project_id"`
	Sections  map[Section]PlaybookSection `json:"sections"`
}

// Content returns the content of a section, empty if never written.
func (p Playbook) Content(s Section) string {
	return p.Sections[s].Content
}

// Message is one turn of orchestrator-held history.
type Message struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// SessionSnapshot is the persisted form of a session.
type SessionSnapshot struct {
	Role       Role      `json:"role"`
	Backend    string    `json:"backend"`
	ID         string    `json:"id"`
	History    []Message `json:"history,omitempty"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
