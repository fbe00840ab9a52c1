package controllers

import (
	"net/http"

	"companion-chat/config"
	"companion-chat/middlewares"
	"companion-chat/models"
	"companion-chat/services"
	"companion-chat/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Controller holds what the HTTP handlers need. Handlers never touch the
// tables directly; every write goes through the owning service.
type Controller struct {
	Config        *config.Config
	DB            *gorm.DB
	Connections   *services.Connections
	Messages      *services.MessageStore
	Notifications *services.Notifications
	Dispatcher    *services.Dispatcher
	WS            *services.WSHandler
	Log           *zap.Logger
}

type pageQuery struct {
	Page  int `form:"page" binding:"omitempty,min=1"`
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// currentUser fetches the authenticated user or aborts with 401.
func currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := middlewares.CurrentUser(c)
	if !ok {
		utils.RespondError(c, services.ErrUnauthenticated)
		return nil, false
	}
	return user, true
}

// Health pings the database.
func (h *Controller) Health(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.Log.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
