package derive

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrInvalidOrigin   = fmt.Errorf("invalid_origin")
	ErrOriginScheme    = fmt.Errorf("origin_must_be_https")
	ErrOriginHasPath   = fmt.Errorf("origin_must_not_contain_path_query_fragment")
	ErrInvalidHostname = fmt.Errorf("invalid_hostname")
)

// CanonicalOrigin normalizes an origin string to its canonical form.
// Canonicalization is a security boundary: the per-window salt and the
// counter key both derive from its output, so two spellings of the same
// origin must collapse to one counter and distinct origins must not.
//
// Contract: https only; no userinfo, path ("/" is tolerated), query or
// fragment; host lowercased, trailing dots stripped, IDNA-to-ASCII
// applied; default port 443 omitted; IPv6 literals normalized inside
// their brackets.
func CanonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidOrigin
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", ErrOriginScheme
	}
	if u.User != nil {
		return "", ErrInvalidOrigin
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", ErrOriginHasPath
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if strings.HasPrefix(host, "[") || strings.Contains(host, ":") {
		// IPv6 literal; url.Hostname already stripped the brackets.
		host = strings.Trim(host, "[]")
		if host == "" {
			return "", ErrInvalidHostname
		}
		return assembleOrigin("["+host+"]", port), nil
	}

	host = strings.TrimRight(host, ".")
	if host == "" {
		return "", ErrInvalidHostname
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return "", ErrInvalidHostname
	}

	return assembleOrigin(ascii, port), nil
}

func assembleOrigin(host, port string) string {
	if port == "" || port == "443" {
		return "https://" + host
	}
	return "https://" + host + ":" + port
}
