package routes

import (
	"companion-chat/controllers"
	"companion-chat/middlewares"
	"companion-chat/models"
	"companion-chat/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(h *controllers.Controller, identity services.Identity, log *zap.Logger) *gin.Engine {
	registerValidators()

	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger(log))

	allowAll := false
	for _, o := range h.Config.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}
	if allowAll {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = h.Config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health", h.Health)
	r.GET("/ws", h.WSController)
	r.Static(h.Config.UploadBaseURL, h.Config.UploadDir)

	if h.Config.ReminderSecret != "" {
		r.POST("/internal/reminders", h.TriggerReminder)
	}

	protected := r.Group("/api")
	protected.Use(middlewares.TokenAuthMiddleware(identity))
	{
		protected.GET("/userinfo", h.GetUserInfo)

		protected.POST("/connections", h.CreateConnection)
		protected.GET("/connections", h.GetConnections)
		protected.GET("/connections/:id", h.GetConnectionByID)
		protected.PUT("/connections/:id/status", h.UpdateConnectionStatus)

		messages := protected.Group("/messages")
		messages.POST("", h.SendMessage)
		messages.POST("/upload", h.UploadMessage)
		messages.PUT("/read", h.MarkMessagesRead)
		messages.PUT("/delivered", h.MarkMessagesDelivered)
		messages.GET("/unread/count", h.UnreadMessageCount)
		messages.GET("/search/:connectionId", h.SearchMessages)
		messages.GET("/typing/:connectionId", h.TypingUsers)
		messages.GET("/:connectionId", h.GetMessages)

		notifications := protected.Group("/notifications")
		notifications.GET("", h.GetNotifications)
		notifications.GET("/unread/count", h.UnreadNotificationCount)
		notifications.PUT("/read/all", h.MarkAllNotificationsRead)
		notifications.PUT("/:id/read", h.MarkNotificationRead)
		notifications.DELETE("/:id", h.DeleteNotification)
	}

	return r
}

// registerValidators adds the binding tags used by the connection handlers.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return models.Role(fl.Field().String()).Valid()
	})
	v.RegisterValidation("connstatus", func(fl validator.FieldLevel) bool {
		return models.ConnectionStatus(fl.Field().String()).Valid()
	})
}
