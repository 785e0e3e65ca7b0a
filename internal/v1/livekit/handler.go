package livekit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

type tokenRequest struct {
	UserID   string `json:"userId" binding:"required"`
	RoomName string `json:"roomName" binding:"required"`
}

// Handler serves POST token requests for clients that need to (re)join a
// media room outside the socket flow, e.g. after an app restart.
func (m *Minter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "livekit_not_configured"})
			return
		}

		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_payload"})
			return
		}

		token, err := m.Mint(types.UserID(req.UserID), req.RoomName)
		if err != nil {
			logging.Error(c.Request.Context(), "token mint failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "mint_failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":    true,
			"token": token,
			"url":   m.URL(),
		})
	}
}
