package controllers

import (
	"crypto/subtle"
	"net/http"

	"companion-chat/services"
	"companion-chat/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const reminderSecretHeader = "X-Reminder-Secret"

// TriggerReminder is called by the external scheduler. The route is only
// mounted when a shared secret is configured.
func (h *Controller) TriggerReminder(c *gin.Context) {
	secret := c.GetHeader(reminderSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.Config.ReminderSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  http.StatusUnauthorized,
			"error": gin.H{"reason": "invalid_secret", "message": "invalid reminder secret"},
		})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		utils.RespondBadRequest(c, "unreadable body")
		return
	}
	reminder, err := services.DecodeReminder(body)
	if err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}

	res, err := h.Dispatcher.PublishReminder(c.Request.Context(), reminder)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Log.Info("reminder published", zap.String("connectionId", reminder.ConnectionID), zap.Int("notifications", len(res.Notifications)))

	data := gin.H{"notifications": len(res.Notifications)}
	if res.Message != nil {
		data["messageId"] = res.Message.ID
	}
	utils.RespondSuccess(c, data, nil)
}
