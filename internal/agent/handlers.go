package agent

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/token-handler/internal/apierror"
	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/crypto"
	"github.com/dgellow/token-handler/internal/ioutil"
	jsonwriter "github.com/dgellow/token-handler/internal/json"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/oauth"
)

type startLoginResponse struct {
	AuthorizationRequestURL string `json:"authorizationRequestUrl"`
}

type endLoginRequest struct {
	URL string `json:"url"`
}

type endLoginResponse struct {
	Handled    bool   `json:"handled"`
	IsLoggedIn bool   `json:"isLoggedIn"`
	CSRF       string `json:"csrf,omitempty"`
}

type sessionResponse struct {
	IsLoggedIn bool           `json:"isLoggedIn"`
	Claims     *sessionClaims `json:"claims,omitempty"`
	CSRF       string         `json:"csrf,omitempty"`
}

type sessionClaims struct {
	Subject   string `json:"sub"`
	SessionID string `json:"sid,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Expiry    int64  `json:"exp,omitempty"`
}

type logoutResponse struct {
	URL string `json:"url"`
}

// startLogin creates fresh state and PKCE values, stores them in the state
// cookie and returns the authorization request URL.
func (a *Agent) startLogin(w http.ResponseWriter, r *http.Request) error {
	ls, err := oauth.GenerateLoginState()
	if err != nil {
		return apierror.Internal(err)
	}
	data, err := ls.Marshal()
	if err != nil {
		return apierror.Internal(err)
	}
	stateCookie, err := a.cookies.Write(cookie.State, data)
	if err != nil {
		return apierror.Internal(err)
	}

	cookie.Set(w, stateCookie)
	jsonwriter.Write(w, startLoginResponse{AuthorizationRequestURL: a.as.AuthorizationURL(ls)})
	return nil
}

// endLogin inspects the URL the SPA was loaded with. It completes a login
// when the URL carries an authorization response and otherwise reports the
// current login status.
func (a *Agent) endLogin(w http.ResponseWriter, r *http.Request) error {
	var req endLoginRequest
	if err := ioutil.DecodeJSONLimited(r.Body, maxBodyBytes, &req); err != nil {
		return apierror.InvalidRequest("The request body could not be parsed as JSON")
	}
	if req.URL == "" {
		return apierror.MissingFormField("url")
	}
	pageURL, err := url.Parse(req.URL)
	if err != nil {
		return apierror.InvalidRequest("The url field is not a valid URL")
	}

	query := pageURL.Query()
	state := query.Get("state")
	code := query.Get("code")
	errorCode := query.Get("error")

	switch {
	case state != "" && errorCode != "":
		return apierror.LoginResponseError(errorCode, query.Get("error_description"))
	case state != "" && code != "":
		return a.completeLogin(w, r, state, code)
	default:
		return a.pageLoad(w, r)
	}
}

func (a *Agent) completeLogin(w http.ResponseWriter, r *http.Request, state, code string) error {
	stateData, ok, err := a.cookies.Read(r, cookie.State)
	if err != nil {
		return apierror.FromCookieError(err)
	}
	if !ok {
		return apierror.MissingCookie("state")
	}
	ls, err := oauth.ParseLoginState(stateData)
	if err != nil {
		return apierror.InvalidState().WithDetails(map[string]any{"cause": err.Error()})
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(ls.State)) != 1 {
		return apierror.InvalidState()
	}

	result, err := a.as.ExchangeAuthorizationCode(r.Context(), code, ls.CodeVerifier)
	if err != nil {
		return err
	}
	a.recordUser(r, result.IDToken)

	csrf, err := crypto.GenerateSecureToken()
	if err != nil {
		return apierror.Internal(err)
	}

	cookies := []*http.Cookie{a.cookies.Expire(cookie.State)}
	tokens := []struct {
		name  cookie.Name
		value string
	}{
		{cookie.Refresh, result.RefreshToken},
		{cookie.Access, result.AccessToken},
		{cookie.ID, result.IDToken},
		{cookie.CSRF, csrf},
	}
	for _, t := range tokens {
		if t.value == "" {
			continue
		}
		c, err := a.cookies.Write(t.name, t.value)
		if err != nil {
			return apierror.Internal(err)
		}
		cookies = append(cookies, c)
	}

	cookie.Set(w, cookies...)
	jsonwriter.Write(w, endLoginResponse{Handled: true, IsLoggedIn: true, CSRF: csrf})
	return nil
}

// pageLoad reports the login status without side effects
func (a *Agent) pageLoad(w http.ResponseWriter, r *http.Request) error {
	idToken, csrf, loggedIn, err := a.readSession(r)
	if err != nil {
		return err
	}

	resp := endLoginResponse{IsLoggedIn: loggedIn}
	if loggedIn {
		a.recordUser(r, idToken)
		resp.CSRF = csrf
	}

	jsonwriter.Write(w, resp)
	return nil
}

// session returns the ID token claims of the current session. Absence of a
// session is a normal answer, not an error.
func (a *Agent) session(w http.ResponseWriter, r *http.Request) error {
	idToken, csrf, ok, err := a.readSession(r)
	if err != nil {
		return err
	}
	if !ok {
		jsonwriter.Write(w, sessionResponse{IsLoggedIn: false})
		return nil
	}

	claims, err := oauth.DecodeIDTokenClaims(idToken)
	if err != nil {
		return apierror.Internal(fmt.Errorf("stored ID token is unreadable: %w", err))
	}
	log.EntryFromContext(r.Context()).SetUserInfo(claims.Subject, claims.SessionID)

	resp := sessionResponse{
		IsLoggedIn: true,
		Claims: &sessionClaims{
			Subject:   claims.Subject,
			SessionID: claims.SessionID,
			Issuer:    claims.Issuer,
			Email:     claims.Email,
			Name:      claims.Name,
		},
		CSRF: csrf,
	}
	if claims.Expiry != nil {
		resp.Claims.Expiry = claims.Expiry.Time().Unix()
	}
	jsonwriter.Write(w, resp)
	return nil
}

// refresh runs a refresh token grant and rewrites the token cookies. Tokens
// the authorization server did not rotate keep their existing cookies.
func (a *Agent) refresh(w http.ResponseWriter, r *http.Request) error {
	refreshToken, ok, err := a.cookies.Read(r, cookie.Refresh)
	if err != nil {
		return apierror.FromCookieError(err)
	}
	if !ok {
		return apierror.MissingCookie("refresh token")
	}

	result, err := a.as.ExchangeRefreshToken(r.Context(), refreshToken)
	if err != nil {
		var ce *apierror.ClientError
		if errors.As(err, &ce) && ce.Code == apierror.CodeSessionExpired {
			cookie.Set(w, a.cookies.ExpireAll()...)
		}
		return err
	}

	var cookies []*http.Cookie
	access, err := a.cookies.Write(cookie.Access, result.AccessToken)
	if err != nil {
		return apierror.Internal(err)
	}
	cookies = append(cookies, access)

	if result.RefreshToken != "" {
		c, err := a.cookies.Write(cookie.Refresh, result.RefreshToken)
		if err != nil {
			return apierror.Internal(err)
		}
		cookies = append(cookies, c)
	}
	if result.IDToken != "" {
		a.recordUser(r, result.IDToken)
		c, err := a.cookies.Write(cookie.ID, result.IDToken)
		if err != nil {
			return apierror.Internal(err)
		}
		cookies = append(cookies, c)
	}

	cookie.Set(w, cookies...)
	jsonwriter.WriteNoContent(w)
	return nil
}

// logout clears every session cookie and returns the end session URL the SPA
// navigates to.
func (a *Agent) logout(w http.ResponseWriter, r *http.Request) error {
	idToken, ok, err := a.cookies.Read(r, cookie.ID)
	if err != nil {
		// a damaged ID cookie must not block logout
		log.LogDebugWithFields("agent", "Ignoring unreadable ID cookie on logout", map[string]any{
			"error": err.Error(),
		})
		idToken = ""
	} else if ok {
		a.recordUser(r, idToken)
	}

	endSessionURL, err := a.as.EndSessionURL(idToken)
	if err != nil {
		return apierror.Internal(err)
	}

	cookie.Set(w, a.cookies.ExpireAll()...)
	jsonwriter.Write(w, logoutResponse{URL: endSessionURL})
	return nil
}

func (a *Agent) expireAccessToken(w http.ResponseWriter, r *http.Request) error {
	c, err := a.corrupt(r, cookie.Access, "access token")
	if err != nil {
		return err
	}
	cookie.Set(w, c)
	jsonwriter.WriteNoContent(w)
	return nil
}

func (a *Agent) expireRefreshToken(w http.ResponseWriter, r *http.Request) error {
	access, err := a.corrupt(r, cookie.Access, "access token")
	if err != nil {
		return err
	}
	refresh, err := a.corrupt(r, cookie.Refresh, "refresh token")
	if err != nil {
		return err
	}
	cookie.Set(w, access, refresh)
	jsonwriter.WriteNoContent(w)
	return nil
}

// corrupt re-seals a token with a trailing character so the authorization
// server or API rejects it. Used to simulate expiry in tests.
func (a *Agent) corrupt(r *http.Request, name cookie.Name, label string) (*http.Cookie, error) {
	value, ok, err := a.cookies.Read(r, name)
	if err != nil {
		return nil, apierror.FromCookieError(err)
	}
	if !ok {
		return nil, apierror.MissingCookie(label)
	}
	c, err := a.cookies.Write(name, value+"x")
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return c, nil
}

// readSession reads the ID and CSRF cookies. A session counts as logged in
// only when both are present, since state-changing calls need the CSRF value.
func (a *Agent) readSession(r *http.Request) (idToken, csrf string, loggedIn bool, err error) {
	idToken, hasID, err := a.cookies.Read(r, cookie.ID)
	if err != nil {
		return "", "", false, apierror.FromCookieError(err)
	}
	csrf, hasCSRF, err := a.cookies.Read(r, cookie.CSRF)
	if err != nil {
		return "", "", false, apierror.FromCookieError(err)
	}
	if !hasID || !hasCSRF {
		return "", "", false, nil
	}
	return idToken, csrf, true, nil
}

func (a *Agent) recordUser(r *http.Request, idToken string) {
	claims, err := oauth.DecodeIDTokenClaims(idToken)
	if err != nil {
		return
	}
	log.EntryFromContext(r.Context()).SetUserInfo(claims.Subject, claims.SessionID)
}
