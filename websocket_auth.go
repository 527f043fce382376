package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"powernet/broker/internal/auth"
)

// observerIdentity is what a websocket handshake establishes about the peer.
type observerIdentity struct {
	ObserverID string
	// MaxRange caps the interest radius; zero means uncapped.
	MaxRange float64
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (observerIdentity, error)
}

// anonymousAuthenticator trusts the observer_id query parameter. It is used
// when no observer secret is configured.
type anonymousAuthenticator struct{}

func (anonymousAuthenticator) Authenticate(r *http.Request) (observerIdentity, error) {
	return observerIdentity{ObserverID: strings.TrimSpace(r.URL.Query().Get("observer_id"))}, nil
}

type hmacWebsocketAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

func newHMACWebsocketAuthenticator(secret string) (*hmacWebsocketAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the token and binds the connection to its subject.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (observerIdentity, error) {
	if a == nil || a.verifier == nil {
		return observerIdentity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return observerIdentity{}, errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return observerIdentity{}, err
	}
	return observerIdentity{ObserverID: claims.Subject, MaxRange: claims.MaxRange}, nil
}

// WithWebsocketAuthenticator wires a custom authenticator into the hub.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) HubOption {
	return func(h *Hub) {
		if authenticator != nil {
			h.authenticator = authenticator
		}
	}
}
