package playlist

import (
	"errors"
	"strings"
)

var (
	errNotMaster   = errors.New("playlist: decoder reported MASTER but returned a non-master value")
	errNotMedia    = errors.New("playlist: decoder reported MEDIA but returned a non-media value")
	errUnknownType = errors.New("playlist: could not classify playlist as master or media")
)

// ResolveURL resolves relative against base following the textual rule in
// spec.md §4.2: absolute URLs are kept as-is, a leading "/" is resolved
// against base's scheme+authority, and everything else is joined to base's
// directory with "./" and "../" collapsed textually (not via net/url, which
// would silently reinterpret query-only or scheme-relative forms).
func ResolveURL(base, relative string) string {
	if relative == "" {
		return relative
	}
	if isAbsolute(relative) {
		return relative
	}
	scheme, authority, path := splitURL(base)
	if strings.HasPrefix(relative, "/") {
		return scheme + "://" + authority + collapse(relative)
	}
	dir := path
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[:idx+1]
	} else {
		dir = "/"
	}
	return scheme + "://" + authority + collapse(dir+relative)
}

func isAbsolute(u string) bool {
	idx := strings.Index(u, "://")
	if idx <= 0 {
		return false
	}
	scheme := u[:idx]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

func splitURL(u string) (scheme, authority, path string) {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return "http", "", u
	}
	scheme = u[:idx]
	rest := u[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		authority = rest[:slash]
		path = rest[slash:]
	} else {
		authority = rest
		path = "/"
	}
	return scheme, authority, path
}

// collapse resolves "./" and "../" segments textually, the way a filesystem
// path would be normalized, without touching the query string.
func collapse(p string) string {
	query := ""
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		query = p[idx:]
		p = p[:idx]
	}
	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case ".", "":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return "/" + strings.Join(out, "/") + query
}
