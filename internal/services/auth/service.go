// -----------------------------------------------------------------------
// Auth - API key and JWT request authentication
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

// Modes supported by the authenticator.
const (
	ModeNone   = "none"
	ModeAPIKey = "api_key"
	ModeJWT    = "jwt"
)

// Service resolves bearer tokens to team accounts. Teams are declared in
// config for self-hosted deployments; mode "none" maps every request to a
// default unlimited team for local use.
type Service struct {
	logger      arbor.ILogger
	mode        string
	secret      []byte
	byKey       map[string]*models.Team
	byID        map[string]*models.Team
	defaultTeam *models.Team
}

// NewService builds the authenticator from config.
func NewService(cfg *common.Config, logger arbor.ILogger) (*Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if mode == "" {
		mode = ModeNone
	}
	switch mode {
	case ModeNone, ModeAPIKey, ModeJWT:
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Auth.Mode)
	}
	if mode == ModeJWT && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth mode jwt requires auth.jwt_secret")
	}
	if mode == ModeAPIKey && len(cfg.Teams) == 0 {
		return nil, fmt.Errorf("auth mode api_key requires at least one [[teams]] entry")
	}

	s := &Service{
		logger: logger,
		mode:   mode,
		secret: []byte(cfg.Auth.JWTSecret),
		byKey:  make(map[string]*models.Team, len(cfg.Teams)),
		byID:   make(map[string]*models.Team, len(cfg.Teams)),
	}

	for _, tc := range cfg.Teams {
		team := teamFromConfig(tc)
		if team.ID == "" {
			return nil, fmt.Errorf("team entry missing id")
		}
		if _, dup := s.byID[team.ID]; dup {
			return nil, fmt.Errorf("duplicate team id: %s", team.ID)
		}
		s.byID[team.ID] = team
		if team.APIKey != "" {
			if _, dup := s.byKey[team.APIKey]; dup {
				return nil, fmt.Errorf("duplicate api key for team %s", team.ID)
			}
			s.byKey[team.APIKey] = team
		}
	}

	if len(cfg.Teams) > 0 {
		s.defaultTeam = s.byID[cfg.Teams[0].ID]
	} else {
		s.defaultTeam = &models.Team{
			ID:             "default",
			Name:           "Default",
			Plan:           models.PlanStandard,
			MaxConcurrency: cfg.Limiter.DefaultMaxConcurrency,
			Credits:        -1,
		}
		s.byID[s.defaultTeam.ID] = s.defaultTeam
	}

	logger.Info().
		Str("mode", mode).
		Int("teams", len(s.byID)).
		Msg("Auth service initialized")
	return s, nil
}

func teamFromConfig(tc common.TeamConfig) *models.Team {
	return &models.Team{
		ID:             tc.ID,
		Name:           tc.Name,
		APIKey:         tc.APIKey,
		Plan:           tc.Plan,
		MaxConcurrency: tc.MaxConcurrency,
		PlanModifier:   tc.PlanModifier,
		Credits:        tc.Credits,
		WebhookSecret:  tc.WebhookSecret,
	}
}

// Authenticate resolves a bearer token to a team.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Team, error) {
	switch s.mode {
	case ModeNone:
		return s.defaultTeam, nil
	case ModeAPIKey:
		if token == "" {
			return nil, models.NewUnauthorizedError("missing API key")
		}
		team, ok := s.byKey[token]
		if !ok {
			return nil, models.NewUnauthorizedError("invalid API key")
		}
		return team, nil
	case ModeJWT:
		return s.authenticateJWT(token)
	}
	return nil, models.NewUnauthorizedError("authentication unavailable")
}

type teamClaims struct {
	TeamID string `json:"team_id"`
	Plan   string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) authenticateJWT(token string) (*models.Team, error) {
	if token == "" {
		return nil, models.NewUnauthorizedError("missing bearer token")
	}
	var claims teamClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, models.NewUnauthorizedError("invalid bearer token")
	}
	if claims.TeamID == "" {
		return nil, models.NewUnauthorizedError("token missing team_id claim")
	}
	if team, ok := s.byID[claims.TeamID]; ok {
		return team, nil
	}
	// Validly signed but unregistered teams run on plan defaults.
	team := &models.Team{
		ID:   claims.TeamID,
		Plan: claims.Plan,
	}
	if team.Plan == "" {
		team.Plan = models.PlanFree
	}
	return team, nil
}

// TeamByID looks up a registered team.
func (s *Service) TeamByID(id string) (*models.Team, bool) {
	team, ok := s.byID[id]
	return team, ok
}

// Teams lists all registered teams.
func (s *Service) Teams() []*models.Team {
	teams := make([]*models.Team, 0, len(s.byID))
	for _, team := range s.byID {
		teams = append(teams, team)
	}
	return teams
}
