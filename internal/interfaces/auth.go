package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// Authenticator resolves request credentials to a team account.
type Authenticator interface {
	// Authenticate validates a bearer token (API key or JWT depending on
	// the configured mode) and returns the team it belongs to.
	Authenticate(ctx context.Context, token string) (*models.Team, error)

	// TeamByID looks up a team directly.
	TeamByID(id string) (*models.Team, bool)

	// Teams lists every configured team, for per-team maintenance sweeps.
	Teams() []*models.Team
}
