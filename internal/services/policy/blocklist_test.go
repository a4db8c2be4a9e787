package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklist_Matching(t *testing.T) {
	bl, err := DefaultBlocklist()
	require.NoError(t, err)

	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://facebook.com/somepage", true},
		{"https://www.facebook.com/somepage", true},
		{"https://m.facebook.com/profile", true},
		{"https://facebook.co.uk/page", true},
		{"https://facebook.de/page", true},
		{"https://x.com/user/status/1", true},
		{"https://example.com/", false},
		{"https://notfacebook.example.com/", false},
		{"https://facebook.com/policy", false},
		{"https://www.linkedin.com/legal/user-agreement", false},
		{"not a valid url at all", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.blocked, bl.IsBlocked(tt.url), "url %q", tt.url)
	}
}

func TestBlocklist_LoadRejectsGarbage(t *testing.T) {
	_, err := LoadBlocklist([]byte("{{{not yaml"))
	assert.Error(t, err)
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "example.com", registrableDomain("example.com"))
	assert.Equal(t, "example.com", registrableDomain("a.b.example.com"))
	assert.Equal(t, "site.co.uk", registrableDomain("blog.site.co.uk"))
	assert.Equal(t, "site.co.uk", registrableDomain("site.co.uk"))
	assert.Equal(t, "localhost", registrableDomain("localhost"))
}

func TestBaseDomain(t *testing.T) {
	assert.Equal(t, "facebook", baseDomain("facebook.com"))
	assert.Equal(t, "facebook", baseDomain("www.facebook.co.uk"))
	assert.Equal(t, "localhost", baseDomain("localhost"))
}
