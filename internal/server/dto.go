package server

import (
	"squadline/internal/domain"
	"squadline/internal/engine"
	"squadline/internal/registry"
)

// Request payloads

type DispatchRequest struct {
	Role       string `json:"role" example:"coder"`
	Task       string `json:"task" minLength:"1"`
	Backend    string `json:"backend,omitempty" example:"claude"`
	TargetFile string `json:"target_file,omitempty"`
}

type ParallelAssignment struct {
	Role       string `json:"role"`
	Task       string `json:"task" minLength:"1"`
	TargetFile string `json:"target_file,omitempty"`
}

type ParallelRequest struct {
	Assignments []ParallelAssignment `json:"assignments" minItems:"1"`
}

type FeedbackRequest struct {
	FromRole   string `json:"from_role"`
	ToRole     string `json:"to_role"`
	Artifact   string `json:"artifact" minLength:"1"`
	Annotation string `json:"annotation,omitempty"`
	Backend    string `json:"backend,omitempty" doc:"Pin the target session's backend"`
}

type GateRequest struct {
	Checks     []string `json:"checks,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Feedback   bool     `json:"feedback,omitempty"`
}

type BroadcastRequest struct {
	Message string `json:"message" minLength:"1"`
	Tone    string `json:"tone,omitempty" enum:"info,kickoff,urgent"`
}

type UpdateSectionRequest struct {
	Content string `json:"content"`
}

// Response payloads

type DispatchResponse struct {
	Role         string `json:"role"`
	Status       string `json:"status" enum:"ok,timeout,nonzero,not_found,unknown_role,unknown_backend,no_active_session,canceled"`
	Output       string `json:"output"`
	Backend      string `json:"backend,omitempty"`
	FallbackFrom string `json:"fallback_from,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Turn         int    `json:"turn"`
	DurationMS   int64  `json:"duration_ms"`
	ExitCode     int    `json:"exit_code"`
	Hint         string `json:"hint,omitempty"`
	Retried      bool   `json:"retried,omitempty"`
}

type ParallelResponse struct {
	Results []DispatchResponse `json:"results"`
}

type GateCheckResponse struct {
	Check      string `json:"check"`
	Status     string `json:"status" enum:"pass,fail,error"`
	Detail     string `json:"detail"`
	DurationMS int64  `json:"duration_ms"`
}

type GateResponse struct {
	Verdict  string              `json:"verdict" enum:"go,no_go"`
	Results  []GateCheckResponse `json:"results"`
	Feedback *DispatchResponse   `json:"feedback,omitempty"`
}

type DeliveryResponse struct {
	Role    string `json:"role"`
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

type BroadcastResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

type RoleResponse struct {
	Role     string `json:"role"`
	Backend  string `json:"backend"`
	Disabled bool   `json:"disabled"`
}

type SessionResponse struct {
	Role       string `json:"role"`
	Backend    string `json:"backend"`
	ID         string `json:"id"`
	Turns      int    `json:"turns"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at" format:"date-time"`
}

type PlaybookResponse struct {
	ProjectID string `json:"project_id"`
	Vision    string `json:"vision"`
	Team      string `json:"team"`
	Sprints   string `json:"sprints"`
	Current   string `json:"current"`
	Notes     string `json:"notes"`
}

type SectionResponse struct {
	ProjectID string `json:"project_id"`
	Section   string `json:"section"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

func dispatchResponse(r domain.InvocationResult) DispatchResponse {
	return DispatchResponse{
		Role:         string(r.Role),
		Status:       string(r.Status),
		Output:       r.Output,
		Backend:      r.Backend,
		FallbackFrom: r.FallbackFrom,
		SessionID:    r.SessionID,
		Turn:         r.Turn,
		DurationMS:   r.Duration.Milliseconds(),
		ExitCode:     r.ExitCode,
		Hint:         r.Hint,
		Retried:      r.Retried,
	}
}

func gateResponse(rep engine.GateReport) GateResponse {
	out := GateResponse{Verdict: string(rep.Verdict.Decision), Results: make([]GateCheckResponse, 0, len(rep.Verdict.Results))}
	for _, c := range rep.Verdict.Results {
		out.Results = append(out.Results, GateCheckResponse{
			Check:      c.Name,
			Status:     string(c.Status),
			Detail:     c.Detail,
			DurationMS: c.Duration.Milliseconds(),
		})
	}
	if rep.Feedback != nil {
		fb := dispatchResponse(*rep.Feedback)
		out.Feedback = &fb
	}
	return out
}

func broadcastResponse(items []domain.DeliveryResult) BroadcastResponse {
	out := BroadcastResponse{Deliveries: make([]DeliveryResponse, 0, len(items))}
	for _, d := range items {
		out.Deliveries = append(out.Deliveries, DeliveryResponse{
			Role:    string(d.Role),
			Status:  string(d.Result.Status),
			Backend: d.Result.Backend,
			Output:  d.Result.Output,
			Error:   d.Error,
		})
	}
	return out
}

func roleResponses(items []registry.RoleBinding) []RoleResponse {
	out := make([]RoleResponse, 0, len(items))
	for _, b := range items {
		out = append(out, RoleResponse{Role: string(b.Role), Backend: b.Backend, Disabled: b.Disabled})
	}
	return out
}

func sessionResponse(s domain.SessionSnapshot) SessionResponse {
	return SessionResponse{
		Role:       string(s.Role),
		Backend:    s.Backend,
		ID:         s.ID,
		Turns:      s.Turns,
		CreatedAt:  s.CreatedAt.UTC().Format(timeFormat),
		LastUsedAt: s.LastUsedAt.UTC().Format(timeFormat),
	}
}

func playbookResponse(pb domain.Playbook) PlaybookResponse {
	return PlaybookResponse{
		ProjectID: pb.ProjectID,
		Vision:    pb.Content(domain.SectionVision),
		Team:      pb.Content(domain.SectionTeam),
		Sprints:   pb.Content(domain.SectionSprints),
		Current:   pb.Content(domain.SectionCurrent),
		Notes:     pb.Content(domain.SectionNotes),
	}
}

func sectionResponse(s domain.PlaybookSection) SectionResponse {
	return SectionResponse{ProjectID: s.ProjectID, Section: string(s.Name), Content: s.Content, UpdatedAt: s.UpdatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}
