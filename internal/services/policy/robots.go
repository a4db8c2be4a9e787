// -----------------------------------------------------------------------
// URL Policy - robots.txt evaluation
// -----------------------------------------------------------------------

package policy

import (
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// replacementRune substitutes invalid UTF-8 bytes before parsing.
const replacementRune = "�"

// sanitizeRobots makes an arbitrary byte blob safe to parse: NUL bytes are
// dropped and invalid UTF-8 sequences replaced.
func sanitizeRobots(body string) string {
	body = strings.ReplaceAll(body, "\x00", "")
	return strings.ToValidUTF8(body, replacementRune)
}

// ParseRobots parses a robots.txt body tolerantly. Malformed input yields
// an allow-all ruleset, never an error.
func ParseRobots(body string) *robotstxt.RobotsData {
	data, err := robotstxt.FromString(sanitizeRobots(body))
	if err != nil || data == nil {
		allowAll, _ := robotstxt.FromString("")
		return allowAll
	}
	return data
}

// RobotsAllows reports whether the agent may fetch the URL under the given
// robots.txt body. Empty or unparseable bodies allow everything; the
// ignore flag bypasses robots entirely.
func RobotsAllows(robotsBody, rawURL, userAgent string, ignore bool) bool {
	if ignore || strings.TrimSpace(robotsBody) == "" {
		return true
	}
	return DataAllows(ParseRobots(robotsBody), rawURL, userAgent)
}

// DataAllows checks a URL against an already-parsed ruleset. Crawls parse
// robots once and reuse the data across every discovered link.
func DataAllows(data *robotstxt.RobotsData, rawURL, userAgent string) bool {
	if data == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return data.FindGroup(userAgent).Test(target)
}

// RobotsSitemaps returns sitemap URLs declared in the robots.txt body.
func RobotsSitemaps(robotsBody string) []string {
	if strings.TrimSpace(robotsBody) == "" {
		return nil
	}
	return ParseRobots(robotsBody).Sitemaps
}
