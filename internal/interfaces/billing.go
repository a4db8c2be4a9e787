package interfaces

import (
	"context"
)

// Billing meters credit consumption. The crawl core checks credits before
// admitting work and bills after pages complete; it may clamp a crawl's
// page limit to the credits remaining.
type Billing interface {
	// CheckCredits reports whether the team can afford n credits and how
	// many remain. remaining < 0 means unlimited.
	CheckCredits(ctx context.Context, teamID string, n int) (ok bool, remaining int, err error)

	// Bill deducts n credits from the team.
	Bill(ctx context.Context, teamID string, n int) error
}
