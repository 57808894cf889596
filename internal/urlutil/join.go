package urlutil

import (
	"net/url"
	"strings"
)

// StripPrefix returns the part of p below prefix. The comparison ignores
// case, and ok is false unless prefix ends on a segment boundary of p.
func StripPrefix(p, prefix string) (rest string, ok bool) {
	prefix = strings.TrimRight(prefix, "/")
	if len(p) < len(prefix) || !strings.EqualFold(p[:len(prefix)], prefix) {
		return "", false
	}
	rest = p[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// Downstream builds the URL a request is forwarded to. suffix is the escaped
// path below the route and is appended to the target path with dot segments
// resolved, so it can never climb above the target. Escaped characters such
// as %2F reach the target unchanged. The inbound query is appended to any
// query the target already carries.
func Downstream(target, suffix, rawQuery string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}

	if suffix != "" && suffix != "/" {
		cleaned, err := cleanEscaped(suffix)
		if err != nil {
			return "", err
		}
		escaped := strings.TrimRight(u.EscapedPath(), "/") + cleaned
		if u.Path, err = url.PathUnescape(escaped); err != nil {
			return "", err
		}
		u.RawPath = escaped
	}

	switch {
	case rawQuery == "":
	case u.RawQuery == "":
		u.RawQuery = rawQuery
	default:
		u.RawQuery += "&" + rawQuery
	}
	return u.String(), nil
}

// cleanEscaped resolves dot segments of an escaped path, including encoded
// ones such as %2E%2E, while keeping every remaining segment in its escaped
// form.
func cleanEscaped(p string) (string, error) {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		switch decoded {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	cleaned := "/" + strings.Join(out, "/")
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}
