package controllers

import (
	"strconv"

	"companion-chat/utils"

	"github.com/gin-gonic/gin"
)

func (h *Controller) GetNotifications(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var q struct {
		Page       int  `form:"page" binding:"omitempty,min=1"`
		UnreadOnly bool `form:"unreadOnly"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	page, err := h.Notifications.List(c.Request.Context(), user.ID, q.Page, q.UnreadOnly)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	pages := (page.Total + int64(page.Limit) - 1) / int64(page.Limit)
	utils.RespondSuccess(c, gin.H{
		"notifications": page.Notifications,
		"unreadCount":   page.Unread,
		"pagination": gin.H{
			"page":  page.Page,
			"limit": page.Limit,
			"total": page.Total,
			"pages": pages,
		},
	}, nil)
}

// MarkNotificationRead succeeds for unknown and foreign ids too, so callers
// cannot probe for other users' notifications.
func (h *Controller) MarkNotificationRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := notificationID(c)
	if !ok {
		return
	}
	if err := h.Notifications.MarkRead(c.Request.Context(), id, user.ID); err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"id": id, "read": true}, nil)
}

func (h *Controller) MarkAllNotificationsRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.Notifications.MarkAllRead(c.Request.Context(), user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"updatedCount": n}, nil)
}

func (h *Controller) DeleteNotification(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := notificationID(c)
	if !ok {
		return
	}
	if err := h.Notifications.Delete(c.Request.Context(), id, user.ID); err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"id": id, "deleted": true}, nil)
}

func (h *Controller) UnreadNotificationCount(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.Notifications.UnreadCount(c.Request.Context(), user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"unreadCount": n}, nil)
}

func notificationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		utils.RespondBadRequest(c, "invalid notification id")
		return 0, false
	}
	return uint(id), true
}
