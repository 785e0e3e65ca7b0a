// Package livekit mints SFU access tokens. The server never touches media;
// clients take the token straight to the media server.
package livekit

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

const tokenTTL = 6 * time.Hour

var ErrNotConfigured = errors.New("livekit credentials not configured")

// VideoGrant is the media-server room grant embedded in the token.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type claims struct {
	jwt.RegisteredClaims
	Video VideoGrant `json:"video"`
}

// Minter issues room-scoped access tokens signed with the shared API secret.
type Minter struct {
	apiKey    string
	apiSecret string
	url       string
	clock     clock.PassiveClock
}

// NewMinter returns a Minter; empty credentials yield a Minter whose Mint
// always fails with ErrNotConfigured (mint failure is non-fatal upstream).
func NewMinter(apiKey, apiSecret, url string) *Minter {
	return &Minter{apiKey: apiKey, apiSecret: apiSecret, url: url, clock: clock.RealClock{}}
}

// NewMinterWithClock is used by tests to pin token timestamps.
func NewMinterWithClock(apiKey, apiSecret, url string, c clock.PassiveClock) *Minter {
	return &Minter{apiKey: apiKey, apiSecret: apiSecret, url: url, clock: c}
}

// Configured reports whether credentials are present.
func (m *Minter) Configured() bool {
	return m.apiKey != "" && m.apiSecret != ""
}

// URL returns the media-server endpoint clients should dial.
func (m *Minter) URL() string {
	return m.url
}

// Mint issues an access token for identity in the given media room.
func (m *Minter) Mint(identity types.UserID, roomName string) (string, error) {
	if !m.Configured() {
		return "", ErrNotConfigured
	}

	now := m.clock.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   string(identity),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Video: VideoGrant{
			Room:         roomName,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(m.apiSecret))
}

// MintPair issues tokens for both sides of a match, keyed by the stable
// user-pair room so a reconnect with a fresh sid rejoins the same room.
// Errors are swallowed into empty tokens; the match proceeds regardless.
func (m *Minter) MintPair(a, b types.UserID) (tokenA, tokenB, roomName string) {
	roomName = types.MediaRoom(a, b)
	tokenA, _ = m.Mint(a, roomName)
	tokenB, _ = m.Mint(b, roomName)
	return tokenA, tokenB, roomName
}
