package cookie

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/token-handler/internal/crypto"
	"github.com/dgellow/token-handler/internal/log"
)

// Name is the logical name of a token handler cookie. The cookie sent to the
// browser is called <prefix>-<name>.
type Name string

const (
	State   Name = "state"
	Access  Name = "at"
	Refresh Name = "rt"
	ID      Name = "id"
	CSRF    Name = "csrf"
)

var (
	ErrMissingCSRFCookie = errors.New("missing CSRF cookie")
	ErrMissingCSRFHeader = errors.New("missing CSRF header")
	ErrCSRFMismatch      = errors.New("CSRF header does not match CSRF cookie")
)

// expiredAt is sent as the Expires attribute of cleared cookies
var expiredAt = time.Unix(0, 0).UTC()

// Paths scopes each cookie to the smallest set of routes that read it
type Paths struct {
	State   string
	Access  string
	Refresh string
	ID      string
	CSRF    string
}

// AgentPaths derives cookie paths from the base path of the OAuth agent route.
// The refresh token only travels to .../refresh (and .../refresh/expire), the
// state cookie only to .../login/*, and the ID token to the agent routes.
// Access and CSRF cookies are needed by every proxied API call.
func AgentPaths(agentBase string) Paths {
	base := strings.TrimRight(agentBase, "/")
	idPath := base
	if idPath == "" {
		idPath = "/"
	}
	return Paths{
		State:   base + "/login",
		Access:  "/",
		Refresh: base + "/refresh",
		ID:      idPath,
		CSRF:    "/",
	}
}

// Store reads and writes sealed cookies with consistent attributes
type Store struct {
	cipher *crypto.CookieCipher
	prefix string
	domain string
	paths  Paths
}

// NewStore creates a cookie store
func NewStore(cipher *crypto.CookieCipher, prefix, domain string, paths Paths) *Store {
	return &Store{
		cipher: cipher,
		prefix: prefix,
		domain: domain,
		paths:  paths,
	}
}

// CookieName returns the wire name of a logical cookie
func (s *Store) CookieName(name Name) string {
	return s.prefix + "-" + string(name)
}

// CSRFHeaderName returns the request header the SPA echoes the CSRF token in
func (s *Store) CSRFHeaderName() string {
	return "x-" + s.prefix + "-csrf"
}

func (s *Store) path(name Name) string {
	switch name {
	case State:
		return s.paths.State
	case Access:
		return s.paths.Access
	case Refresh:
		return s.paths.Refresh
	case ID:
		return s.paths.ID
	case CSRF:
		return s.paths.CSRF
	}
	return "/"
}

func (s *Store) base(name Name) *http.Cookie {
	return &http.Cookie{
		Name:     s.CookieName(name),
		Path:     s.path(name),
		Domain:   s.domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Write seals plaintext into a session cookie. Its String() is the
// Set-Cookie header value.
func (s *Store) Write(name Name, plaintext string) (*http.Cookie, error) {
	sealed, err := s.cipher.SealString(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s cookie: %w", name, err)
	}
	c := s.base(name)
	c.Value = sealed
	return c, nil
}

// Read returns the plaintext of a cookie. ok is false when the cookie is
// absent; err is set when it is present but cannot be unsealed.
func (s *Store) Read(r *http.Request, name Name) (plaintext string, ok bool, err error) {
	c, err := r.Cookie(s.CookieName(name))
	if err != nil || c.Value == "" {
		return "", false, nil
	}

	plaintext, err = s.cipher.UnsealString(s.CookieName(name), c.Value)
	if err != nil {
		log.LogDebugWithFields("cookie", "Failed to unseal cookie", map[string]any{
			"cookie": s.CookieName(name),
			"error":  err.Error(),
		})
		return "", true, err
	}
	return plaintext, true, nil
}

// Expire returns a cookie that clears name in the browser
func (s *Store) Expire(name Name) *http.Cookie {
	c := s.base(name)
	c.Value = ""
	c.MaxAge = -1
	c.Expires = expiredAt
	return c
}

// ExpireAll clears every session cookie: refresh, access, ID and CSRF
func (s *Store) ExpireAll() []*http.Cookie {
	return []*http.Cookie{
		s.Expire(Refresh),
		s.Expire(Access),
		s.Expire(ID),
		s.Expire(CSRF),
	}
}

// IsStateChanging reports whether method requires CSRF enforcement
func IsStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// EnforceCSRF checks the double-submit CSRF token of a state-changing request.
// Requests with other methods pass unchecked.
func (s *Store) EnforceCSRF(r *http.Request) error {
	if !IsStateChanging(r.Method) {
		return nil
	}

	expected, ok, err := s.Read(r, CSRF)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMissingCSRFCookie
	}

	supplied := r.Header.Get(s.CSRFHeaderName())
	if supplied == "" {
		return ErrMissingCSRFHeader
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// Set adds cookies to the response
func Set(w http.ResponseWriter, cookies ...*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}
