// -----------------------------------------------------------------------
// URL Policy - blocked-domain list
// -----------------------------------------------------------------------

package policy

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed blocklist.yaml
var blocklistYAML []byte

type blocklistFile struct {
	Domains         []string `yaml:"domains"`
	AllowedKeywords []string `yaml:"allowed_keywords"`
}

// Blocklist holds compiled blocked-domain tables. Immutable after load.
type Blocklist struct {
	domains  map[string]struct{}
	bases    map[string]struct{}
	keywords []string
}

// LoadBlocklist parses a blocklist document.
func LoadBlocklist(data []byte) (*Blocklist, error) {
	var file blocklistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse blocklist: %w", err)
	}

	bl := &Blocklist{
		domains:  make(map[string]struct{}, len(file.Domains)),
		bases:    make(map[string]struct{}, len(file.Domains)),
		keywords: make([]string, 0, len(file.AllowedKeywords)),
	}
	for _, d := range file.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		bl.domains[d] = struct{}{}
		bl.bases[baseDomain(d)] = struct{}{}
	}
	for _, k := range file.AllowedKeywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			bl.keywords = append(bl.keywords, k)
		}
	}
	return bl, nil
}

// DefaultBlocklist returns the embedded blocklist.
func DefaultBlocklist() (*Blocklist, error) {
	return LoadBlocklist(blocklistYAML)
}

// IsBlocked reports whether the URL is on the blocklist. A URL is blocked
// when its registrable domain matches an entry, its hostname falls under
// an entry, or its brand base matches an entry's base on another TLD.
// A URL containing an allowed keyword is never blocked. Invalid URLs are
// not blocked; downstream validation rejects them instead.
func (b *Blocklist) IsBlocked(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}

	lowered := strings.ToLower(rawURL)
	for _, keyword := range b.keywords {
		if strings.Contains(lowered, keyword) {
			return false
		}
	}

	host := stripWWW(u.Hostname())
	reg := registrableDomain(host)
	if _, ok := b.domains[reg]; ok {
		return true
	}
	for entry := range b.domains {
		if strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	if _, ok := b.bases[baseDomain(host)]; ok {
		return true
	}
	return false
}
