package replica

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ClientFactory creates a Client from the components of a replica URL.
// The userinfo holds any credentials embedded in the URL (user:pass@host).
type ClientFactory func(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]ClientFactory)
)

// RegisterClientFactory registers the factory used for URLs with scheme.
// Client packages call this from init().
func RegisterClientFactory(scheme string, factory ClientFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[scheme] = factory
}

// Schemes returns the registered URL schemes in sorted order.
func Schemes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	a := make([]string, 0, len(factories))
	for scheme := range factories {
		a = append(a, scheme)
	}
	sort.Strings(a)
	return a
}

// NewClientFromURL returns a Client for rawURL using the factory registered
// for its scheme. The client package must be imported for its factory to be
// available.
func NewClientFromURL(rawURL string) (Client, error) {
	scheme, host, urlPath, query, userinfo, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	factoriesMu.RLock()
	factory, ok := factories[normalizeScheme(scheme)]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported replica URL scheme: %q", scheme)
	}
	return factory(scheme, host, urlPath, query, userinfo)
}

// TypeFromURL returns the client type for rawURL or "" if it has no scheme.
func TypeFromURL(rawURL string) string {
	scheme, _, _, _, _, _ := ParseURL(rawURL)
	return normalizeScheme(scheme)
}

func normalizeScheme(scheme string) string {
	if scheme == "webdavs" {
		return "webdav"
	}
	return scheme
}

// ParseURL splits a replica URL into its components. File URLs return the
// cleaned path with no host. S3 access point ARNs, which url.Parse rejects,
// are split into the access point ARN as the host and the key as the path.
func ParseURL(s string) (scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo, err error) {
	if strings.HasPrefix(strings.ToLower(s), "s3://arn:") {
		host, urlPath, query, err := parseS3AccessPointURL(s)
		return "s3", host, urlPath, query, nil, err
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", "", "", nil, nil, err
	}

	switch u.Scheme {
	case "":
		return "", "", "", nil, nil, fmt.Errorf("replica url scheme required: %s", s)
	case "file":
		u.Scheme, u.RawQuery = "", ""
		return "file", "", path.Clean(u.String()), nil, nil, nil
	default:
		return u.Scheme, u.Host, CleanURLPath(u.Path), u.Query(), u.User, nil
	}
}

func parseS3AccessPointURL(s string) (host, urlPath string, query url.Values, err error) {
	arn := s[len("s3://"):]

	if i := strings.IndexByte(arn, '?'); i != -1 {
		if query, err = url.ParseQuery(arn[i+1:]); err != nil {
			return "", "", nil, fmt.Errorf("parse query string: %w", err)
		}
		arn = arn[:i]
	}

	const marker = ":accesspoint/"
	i := strings.Index(strings.ToLower(arn), marker)
	if i == -1 || i+len(marker) >= len(arn) {
		return "", "", nil, fmt.Errorf("invalid s3 access point arn: %s", arn)
	}

	// The access point name ends at the first slash; the rest is the key.
	start := i + len(marker)
	j := strings.IndexByte(arn[start:], '/')
	if j == -1 {
		return arn, "", query, nil
	}
	return arn[:start+j], CleanURLPath(arn[start+j+1:]), query, nil
}

// CleanURLPath cleans p and strips the leading slash.
func CleanURLPath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

// RegionFromS3ARN returns the region field of an S3 ARN.
func RegionFromS3ARN(arn string) string {
	if parts := strings.SplitN(arn, ":", 6); len(parts) >= 4 {
		return parts[3]
	}
	return ""
}

// BoolQueryValue returns the boolean value of the first key set in query.
// The ok result is true if any key was present, even with an invalid value.
func BoolQueryValue(query url.Values, keys ...string) (value bool, ok bool) {
	for _, key := range keys {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		switch strings.ToLower(raw) {
		case "true", "1", "t", "yes":
			return true, true
		default:
			return false, true
		}
	}
	return false, false
}

// S3-compatible providers that need request tweaks.
var (
	IsTigrisEndpoint       = endpointMatcher(func(host string) bool { return host == "fly.storage.tigris.dev" || host == "t3.storage.dev" })
	IsDigitalOceanEndpoint = endpointMatcher(hasSuffix(".digitaloceanspaces.com"))
	IsBackblazeEndpoint    = endpointMatcher(hasSuffix(".backblazeb2.com"))
	IsFilebaseEndpoint     = endpointMatcher(func(host string) bool { return host == "s3.filebase.com" })
	IsScalewayEndpoint     = endpointMatcher(hasSuffix(".scw.cloud"))
	IsCloudflareR2Endpoint = endpointMatcher(hasSuffix(".r2.cloudflarestorage.com"))
)

// IsMinIOEndpoint reports whether endpoint looks like a self-hosted S3
// server: a host with an explicit port that is not a known provider.
func IsMinIOEndpoint(endpoint string) bool {
	host := endpointHost(endpoint)
	if !strings.Contains(host, ":") {
		return false
	}
	for _, s := range []string{".amazonaws.com", ".digitaloceanspaces.com", ".backblazeb2.com", ".filebase.com", ".scw.cloud", ".r2.cloudflarestorage.com", "tigris.dev", "t3.storage.dev"} {
		if strings.Contains(host, s) {
			return false
		}
	}
	return true
}

func endpointMatcher(fn func(host string) bool) func(string) bool {
	return func(endpoint string) bool {
		host := endpointHost(endpoint)
		return host != "" && fn(host)
	}
}

func hasSuffix(suffix string) func(string) bool {
	return func(host string) bool { return strings.HasSuffix(host, suffix) }
}

// endpointHost returns the host of an endpoint URL, or the endpoint itself
// if it has no scheme.
func endpointHost(endpoint string) string {
	endpoint = strings.TrimSpace(strings.ToLower(endpoint))
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return endpoint
}

var isURLRegex = regexp.MustCompile(`^\w+:\/\/`)

// IsURL returns true if s has a URL scheme.
func IsURL(s string) bool {
	return isURLRegex.MatchString(s)
}
