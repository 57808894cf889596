package oauth

import (
	"encoding/json"
	"fmt"

	"github.com/dgellow/token-handler/internal/crypto"
)

// LoginState is held in the sealed state cookie between login start and end.
// The challenge is sent to the authorization server and never stored.
type LoginState struct {
	State         string `json:"state"`
	CodeVerifier  string `json:"codeVerifier"`
	CodeChallenge string `json:"-"`
}

// GenerateLoginState creates a fresh state nonce and PKCE pair
func GenerateLoginState() (*LoginState, error) {
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &LoginState{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: S256Challenge(verifier),
	}, nil
}

// Marshal serializes the fields kept in the state cookie
func (s *LoginState) Marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseLoginState reads a state cookie payload
func ParseLoginState(data string) (*LoginState, error) {
	var s LoginState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("invalid login state: %w", err)
	}
	if s.State == "" || s.CodeVerifier == "" {
		return nil, fmt.Errorf("invalid login state: missing fields")
	}
	s.CodeChallenge = S256Challenge(s.CodeVerifier)
	return &s, nil
}
