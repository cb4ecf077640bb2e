package provision

import (
	"net/url"
	"strings"
)

// NormalizeOrigin reduces a git remote URL to a comparable canonical form:
// credentials embedded in the URL, a trailing slash and a trailing ".git" are
// all stripped, and the scheme and host are lower-cased. Two URLs normalizing
// equal are treated as the same repository when deciding whether an existing
// working tree can be reused.
func NormalizeOrigin(raw string) string {
	s := strings.TrimSpace(raw)

	// scp-like syntax (git@host:path) is not a URL; strip the user part and
	// canonicalize the rest in place.
	if !strings.Contains(s, "://") {
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		return trimRepoSuffix(strings.ToLower(s))
	}

	u, err := url.Parse(s)
	if err != nil {
		return trimRepoSuffix(s)
	}

	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = trimRepoSuffix(u.Path)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func trimRepoSuffix(s string) string {
	s = strings.TrimRight(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return strings.TrimRight(s, "/")
}
