package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

func testConfig(mode string) *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Auth.Mode = mode
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Teams = []common.TeamConfig{
		{ID: "team-1", Name: "One", APIKey: "key-one", Plan: models.PlanStandard, MaxConcurrency: 4, Credits: 100},
		{ID: "team-2", Name: "Two", APIKey: "key-two", Plan: models.PlanFree, Credits: 10},
	}
	return cfg
}

func TestAuth_NoneMode(t *testing.T) {
	svc, err := NewService(testConfig(ModeNone), arbor.NewLogger())
	require.NoError(t, err)

	team, err := svc.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "team-1", team.ID)
}

func TestAuth_NoneModeWithoutTeams(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Auth.Mode = ModeNone
	svc, err := NewService(cfg, arbor.NewLogger())
	require.NoError(t, err)

	team, err := svc.Authenticate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "default", team.ID)
	assert.True(t, team.Unlimited())
}

func TestAuth_APIKeyMode(t *testing.T) {
	svc, err := NewService(testConfig(ModeAPIKey), arbor.NewLogger())
	require.NoError(t, err)
	ctx := context.Background()

	team, err := svc.Authenticate(ctx, "key-two")
	require.NoError(t, err)
	assert.Equal(t, "team-2", team.ID)

	_, err = svc.Authenticate(ctx, "wrong-key")
	require.Error(t, err)
	var reqErr *models.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 401, reqErr.Status)

	_, err = svc.Authenticate(ctx, "")
	assert.Error(t, err)
}

func TestAuth_APIKeyModeRequiresTeams(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Auth.Mode = ModeAPIKey
	_, err := NewService(cfg, arbor.NewLogger())
	assert.Error(t, err)
}

func TestAuth_JWTMode(t *testing.T) {
	svc, err := NewService(testConfig(ModeJWT), arbor.NewLogger())
	require.NoError(t, err)
	ctx := context.Background()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, teamClaims{
		TeamID: "team-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	team, err := svc.Authenticate(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "team-1", team.ID)
	assert.Equal(t, models.PlanStandard, team.Plan)

	// Wrong secret fails.
	badToken := jwt.NewWithClaims(jwt.SigningMethodHS256, teamClaims{TeamID: "team-1"})
	badSigned, err := badToken.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, badSigned)
	assert.Error(t, err)

	_, err = svc.Authenticate(ctx, "not-a-jwt")
	assert.Error(t, err)
}

func TestAuth_JWTUnregisteredTeamGetsDefaults(t *testing.T) {
	svc, err := NewService(testConfig(ModeJWT), arbor.NewLogger())
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, teamClaims{
		TeamID: "team-unknown",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	team, err := svc.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "team-unknown", team.ID)
	assert.Equal(t, models.PlanFree, team.Plan)
}

func TestAuth_TeamByID(t *testing.T) {
	svc, err := NewService(testConfig(ModeAPIKey), arbor.NewLogger())
	require.NoError(t, err)

	team, ok := svc.TeamByID("team-1")
	require.True(t, ok)
	assert.Equal(t, "One", team.Name)

	_, ok = svc.TeamByID("nope")
	assert.False(t, ok)

	assert.Len(t, svc.Teams(), 2)
}
