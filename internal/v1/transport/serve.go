package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/ratelimit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// ServeWs returns the gin handler for the WebSocket endpoint: rate-limit
// gate, origin check, upgrade, register, pumps.
func (g *Gateway) ServeWs(allowedOrigins []string, rl *ratelimit.RateLimiter) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	return func(c *gin.Context) {
		if rl != nil && !rl.CheckWebSocket(c) {
			return // response already written
		}

		if err := validateOrigin(c.Request, allowedOrigins); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
			return
		}

		g.HandleConnection(ws, c.Request.URL.Query())
	}
}

// HandleConnection registers an established socket and starts its pumps.
// Split from ServeWs so tests can drive the gateway without HTTP.
func (g *Gateway) HandleConnection(ws wsConnection, handshake url.Values) types.SID {
	sid := types.SID(uuid.NewString())
	conn := newConn(sid, ws, g, handshake)

	g.register(conn)

	// The sid is the client's handle for everything that follows.
	g.Emit(sid, types.EventConnEstablished, map[string]string{"sid": string(sid)})

	go conn.writePump()
	go conn.readPump()

	logging.Info(logging.WithSID(context.Background(), string(sid)), "socket connected")
	return sid
}

// validateOrigin rejects browser requests from origins outside the allow
// list. Requests without an Origin header pass; they are not browsers.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
