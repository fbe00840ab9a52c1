package controllers

import (
	"time"

	"companion-chat/utils"

	"github.com/gin-gonic/gin"
)

type UserInfoResponse struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	AvatarURL           string `json:"avatarUrl,omitempty"`
	IsPro               bool   `json:"isPro"`
	UnreadMessages      int64  `json:"unreadMessages"`
	UnreadNotifications int64  `json:"unreadNotifications"`
}

// GetUserInfo returns the caller and the badge counts the client shows on
// load.
func (h *Controller) GetUserInfo(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	unreadMessages, err := h.Messages.UnreadCountFor(ctx, user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	unreadNotifications, err := h.Notifications.UnreadCount(ctx, user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, UserInfoResponse{
		ID:                  user.ID,
		Name:                user.Name,
		Email:               user.Email,
		AvatarURL:           user.AvatarURL,
		IsPro:               user.HasActivePro(time.Now()),
		UnreadMessages:      unreadMessages,
		UnreadNotifications: unreadNotifications,
	}, nil)
}
