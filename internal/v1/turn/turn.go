// Package turn issues ephemeral TURN credentials using the long-term
// credential mechanism shared with the relay (RFC 8489 REST API flavor).
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/clock"
)

const (
	// TTL bounds; a client-requested ttl is clamped into this window.
	minTTL     = 60
	maxTTL     = 3600
	defaultTTL = 600
)

var ErrNotConfigured = errors.New("turn_secret_not_configured")

// Config carries the relay endpoints and the shared secret.
type Config struct {
	Secret    string
	Host      string
	Port      int
	StunHost  string
	EnableTCP bool
	TTL       int // default ttl in seconds, clamped
}

// ICEServer is one entry of the iceServers list handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Credentials is the full REST response body.
type Credentials struct {
	OK         bool        `json:"ok"`
	Username   string      `json:"username"`
	Credential string      `json:"credential"`
	TTL        int         `json:"ttl"`
	ICEServers []ICEServer `json:"iceServers"`
}

// Issuer mints time-limited credentials for the configured relay.
type Issuer struct {
	cfg   Config
	clock clock.PassiveClock
}

func NewIssuer(cfg Config) *Issuer {
	return NewIssuerWithClock(cfg, clock.RealClock{})
}

func NewIssuerWithClock(cfg Config, c clock.PassiveClock) *Issuer {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Port == 0 {
		cfg.Port = 3478
	}
	return &Issuer{cfg: cfg, clock: c}
}

func clampTTL(ttl int) int {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// Issue mints credentials valid for ttl seconds (0 means the configured
// default). The expiry rides inside the username, as the relay expects.
func (i *Issuer) Issue(ttl int) (*Credentials, error) {
	if i.cfg.Secret == "" {
		return nil, ErrNotConfigured
	}
	if ttl == 0 {
		ttl = i.cfg.TTL
	}
	ttl = clampTTL(ttl)

	username := strconv.FormatInt(i.clock.Now().Unix()+int64(ttl), 10)

	mac := hmac.New(sha1.New, []byte(i.cfg.Secret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return &Credentials{
		OK:         true,
		Username:   username,
		Credential: credential,
		TTL:        ttl,
		ICEServers: i.iceServers(username, credential),
	}, nil
}

// iceServers builds the relay list. TURN entries come first on purpose:
// relayed candidates are the ones that survive hostile NATs, and clients
// try entries in order.
func (i *Issuer) iceServers(username, credential string) []ICEServer {
	var servers []ICEServer

	if i.cfg.Host != "" {
		servers = append(servers, ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=udp", i.cfg.Host, i.cfg.Port)},
			Username:   username,
			Credential: credential,
		})
		if i.cfg.EnableTCP {
			servers = append(servers,
				ICEServer{
					URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=tcp", i.cfg.Host, i.cfg.Port)},
					Username:   username,
					Credential: credential,
				},
				ICEServer{
					URLs:       []string{fmt.Sprintf("turn:%s:443?transport=tcp", i.cfg.Host)},
					Username:   username,
					Credential: credential,
				},
			)
		}
	}

	if i.cfg.StunHost != "" {
		servers = append(servers, ICEServer{
			URLs: []string{fmt.Sprintf("stun:%s:%d", i.cfg.StunHost, i.cfg.Port)},
		})
	}

	servers = append(servers,
		ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}},
		ICEServer{URLs: []string{"stun:stun1.l.google.com:19302"}},
	)
	return servers
}

// Handler serves GET /api/turn-credentials.
func (i *Issuer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ttl := 0
		if raw := c.Query("ttl"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				ttl = parsed
			}
		}

		creds, err := i.Issue(ttl)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": ErrNotConfigured.Error()})
			return
		}
		c.JSON(http.StatusOK, creds)
	}
}
