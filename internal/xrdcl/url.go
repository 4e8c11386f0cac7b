package xrdcl

import (
	"fmt"
	"net/url"
	"strings"
)

// URL is a parsed transport URL of the form scheme://host:port//path?opaque
type URL struct {
	Scheme string
	Host   string // host:port
	Path   string
	params map[string]string
}

// ParseURL parses a transport URL
func ParseURL(rawurl string) (*URL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", rawurl, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("URL %q has no scheme", rawurl)
	}
	params := make(map[string]string)
	for key, values := range u.Query() {
		if len(values) > 0 {
			params[key] = values[len(values)-1]
		} else {
			params[key] = ""
		}
	}
	return &URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
		params: params,
	}, nil
}

// Params returns the URL's opaque query parameters
func (u *URL) Params() map[string]string {
	return u.params
}

// HostPort returns the host:port component
func (u *URL) HostPort() string {
	return u.Host
}

// String reassembles the URL without its opaque parameters
func (u *URL) String() string {
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
}

// AppendOpaque extends a URL string with an opaque query fragment, using
// "?" or "&" depending on whether the URL already carries parameters.
// An empty opaque string leaves the URL untouched.
func AppendOpaque(rawurl, opaque string) string {
	if opaque == "" {
		return rawurl
	}
	sep := "?"
	if strings.Contains(rawurl, "?") {
		sep = "&"
	}
	return rawurl + sep + opaque
}

// HostToken reduces a source identity (host:port) to the bare host name
// used in redirector exclusion lists.
func HostToken(id string) string {
	if idx := strings.Index(id, ":"); idx >= 0 {
		return id[:idx]
	}
	return id
}
