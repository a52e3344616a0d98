/**
 * @description
 * Session-scoped state: credentials plus the operator's current navigation.
 */
package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// View names a navigational screen of the console.
type View string

const (
	ViewLoggedOut       View = "logged-out"
	ViewDashboard       View = "dashboard"
	ViewSummaryDetails  View = "summary-details"
	ViewBorrowerDetails View = "borrower-details"
)

// ParseView maps a user supplied name to a View.
func ParseView(name string) (View, bool) {
	switch View(name) {
	case ViewDashboard, ViewSummaryDetails, ViewBorrowerDetails, ViewLoggedOut:
		return View(name), true
	}
	return "", false
}

// Session is what the session-scoped store holds between invocations.
type Session struct {
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	Username          string `json:"username,omitempty"`
	CurrentView       View   `json:"currentView,omitempty"`
	CurrentPeriodKey  string `json:"currentPeriodKey,omitempty"`
	CurrentBorrowerID string `json:"currentBorrowerId,omitempty"`
}

// Authenticated reports whether the session holds an access token. Nothing else
// counts: a session without one is logged out.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// IsZero reports whether the session carries no data at all.
func (s Session) IsZero() bool {
	return s == Session{}
}

// TokenClaims is the subset of access token claims shown in status output.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token expiry is known and in the past.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// AccessTokenClaims decodes the access token without verifying it. The backend
// issues HS256 JWTs signed with a key the client never sees, so this is for
// display only. Opaque tokens return ok=false.
func (s Session) AccessTokenClaims() (TokenClaims, bool) {
	if s.AccessToken == "" {
		return TokenClaims{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return TokenClaims{}, false
	}

	var out TokenClaims
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, true
}

// TokenPair is what a token exchange yields. An empty RefreshToken means the
// existing one stays valid.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
