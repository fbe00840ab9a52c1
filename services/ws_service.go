package services

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSHandler authenticates and upgrades transport connections.
type WSHandler struct {
	identity   Identity
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func NewWSHandler(identity Identity, dispatcher *Dispatcher, allowedOrigins []string, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		identity:   identity,
		dispatcher: dispatcher,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleWebSocket verifies the bearer token before upgrading; an
// unauthenticated request never reaches a room.
func (h *WSHandler) HandleWebSocket(ctx *gin.Context) {
	user, err := h.identity.Verify(ctx.Request.Context(), bearerToken(ctx.Request))
	if err != nil {
		h.log.Info("websocket auth rejected", zap.String("ip", ctx.ClientIP()), zap.Error(err))
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  http.StatusUnauthorized,
			"error": gin.H{"reason": "unauthenticated", "message": "authentication error"},
		})
		return
	}

	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(user, 0)
	NewClient(conn, session, h.dispatcher, h.log).Serve(ctx.Request.Context())
}

// bearerToken reads the token from the Authorization header or the token
// query parameter (browsers cannot set headers on websocket requests).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
