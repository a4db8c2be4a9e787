package models

// Plan names with built-in admission defaults.
const (
	PlanFree       = "free"
	PlanHobby      = "hobby"
	PlanStandard   = "standard"
	PlanGrowth     = "growth"
	PlanEnterprise = "enterprise"
)

// Team is an account record. Self-hosted deployments declare teams in
// config; API keys authenticate requests to a team.
type Team struct {
	ID     string `json:"id" badgerhold:"key"`
	Name   string `json:"name"`
	APIKey string `json:"api_key,omitempty"`
	Plan   string `json:"plan"`

	// MaxConcurrency caps concurrent units; PlanModifier scales how fast
	// queue priority degrades as the team's backlog grows.
	MaxConcurrency int     `json:"max_concurrency"`
	PlanModifier   float64 `json:"plan_modifier"`

	// Credits remaining; -1 means unlimited.
	Credits int `json:"credits"`

	WebhookSecret string `json:"webhook_secret,omitempty"`
	AllowZDR      bool   `json:"allow_zdr,omitempty"`
}

// Unlimited reports whether the team has no credit cap.
func (t *Team) Unlimited() bool {
	return t.Credits < 0
}

// BasePriority returns the queue priority for the team's plan. Lower
// reserves first.
func (t *Team) BasePriority() int {
	switch t.Plan {
	case PlanEnterprise:
		return 5
	case PlanGrowth:
		return 10
	case PlanStandard:
		return 15
	case PlanHobby:
		return 20
	default:
		return 25
	}
}

// EffectivePlanModifier returns the backlog escalation factor, defaulting
// by plan when unset. Paid plans escalate slower; enterprise never does.
func (t *Team) EffectivePlanModifier() float64 {
	if t.PlanModifier > 0 {
		return t.PlanModifier
	}
	switch t.Plan {
	case PlanEnterprise:
		return 0
	case PlanGrowth:
		return 0.1
	case PlanStandard:
		return 0.25
	case PlanHobby:
		return 0.5
	default:
		return 1.0
	}
}
