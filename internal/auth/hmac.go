// Package auth issues and verifies the HS256 tokens observers present when
// they connect to an authority.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audience is the token audience expected by powernet authorities.
const Audience = "powernet"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrWrongAudience signals a token minted for another service.
	ErrWrongAudience = errors.New("token audience mismatch")
)

// ObserverClaims is the token payload identifying an observer.
type ObserverClaims struct {
	// Subject is the observer id the authority registers interest under.
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
	// MaxRange caps the interest radius the observer may request. Zero leaves it uncapped.
	MaxRange float64
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject  string  `json:"sub"`
	Expires  int64   `json:"exp"`
	Issued   int64   `json:"iat"`
	Audience string  `json:"aud"`
	MaxRange float64 `json:"max_range,omitempty"`
}

// HMACTokenVerifier validates compact JWT-style tokens signed with HS256.
type HMACTokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Verify parses the token and validates signature, audience and expiry.
func (v *HMACTokenVerifier) Verify(token string) (*ObserverClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Header first so unexpected algorithms are rejected before any hashing.
	var header tokenHeader
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Constant-time signature comparison over header.payload.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, v.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}

	var payload tokenPayload
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 || payload.MaxRange < 0 {
		return nil, ErrInvalidToken
	}
	if payload.Audience != "" && payload.Audience != Audience {
		return nil, fmt.Errorf("%w: %q", ErrWrongAudience, payload.Audience)
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	return &ObserverClaims{
		Subject:   payload.Subject,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
		Audience:  payload.Audience,
		MaxRange:  payload.MaxRange,
	}, nil
}

// Issue mints a token for observerID valid for ttl. Observers use it to
// authenticate against an authority sharing the same secret.
func (v *HMACTokenVerifier) Issue(observerID string, ttl time.Duration, maxRange float64) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if strings.TrimSpace(observerID) == "" {
		return "", errors.New("observer id must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := v.now()
	header, err := encodeJSONSegment(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := encodeJSONSegment(tokenPayload{
		Subject:  observerID,
		Expires:  now.Add(ttl).Unix(),
		Issued:   now.Unix(),
		Audience: Audience,
		MaxRange: maxRange,
	})
	if err != nil {
		return "", err
	}
	signing := header + "." + payload
	return signing + "." + base64.RawURLEncoding.EncodeToString(v.sign(signing)), nil
}

func (v *HMACTokenVerifier) sign(signing string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signing))
	return mac.Sum(nil)
}

func decodeJSONSegment(segment string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func encodeJSONSegment(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
