package controllers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"companion-chat/services"
	"companion-chat/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sendMessageInput struct {
	ConnectionID string `json:"connectionId" binding:"required"`
	Content      string `json:"content"`
}

type messageIDsInput struct {
	MessageIDs []uint `json:"messageIds" binding:"required,min=1,dive,min=1"`
}

// 发送消息
func (h *Controller) SendMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var input sendMessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}

	msg, err := h.Messages.Send(c.Request.Context(), input.ConnectionID, user.ID, input.Content)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Dispatcher.PublishNewMessage(c.Request.Context(), msg, user)
	utils.RespondStatus(c, http.StatusCreated, msg, nil)
}

// UploadMessage accepts multipart form fields connectionId, content
// (optional caption) and file.
func (h *Controller) UploadMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	limit := h.Config.MaxUploadBytes
	// leave room for the multipart envelope around the file
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	connectionID := c.PostForm("connectionId")
	if connectionID == "" {
		utils.RespondBadRequest(c, "connectionId is required")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(c, fileTooLarge())
			return
		}
		utils.RespondError(c, &services.Error{Kind: services.KindValidation, Reason: "missing_file", Message: "a file is required"})
		return
	}
	if fh.Size > limit {
		utils.RespondError(c, fileTooLarge())
		return
	}
	f, err := fh.Open()
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	defer f.Close()

	msg, err := h.Messages.SendAttachment(c.Request.Context(), connectionID, user.ID, c.PostForm("content"), services.Upload{
		Body:     f,
		FileName: filepath.Base(fh.Filename),
		MimeType: detectMimeType(fh.Header.Get("Content-Type"), fh.Filename),
		Size:     fh.Size,
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Dispatcher.PublishNewMessage(c.Request.Context(), msg, user)
	utils.RespondStatus(c, http.StatusCreated, msg, nil)
}

// 获取会话的消息列表
// The viewer's undelivered messages are marked delivered after the read.
func (h *Controller) GetMessages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	page, err := h.Messages.List(c.Request.Context(), c.Param("connectionId"), user.ID, q.Page, q.Limit)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	var pendingIDs []uint
	for _, m := range page.Messages {
		if m.ReceiverID == user.ID && !m.IsDelivered {
			pendingIDs = append(pendingIDs, m.ID)
		}
	}
	if len(pendingIDs) > 0 {
		// recorded even if the client has gone away
		updated, err := h.Messages.MarkDelivered(context.WithoutCancel(c.Request.Context()), pendingIDs, user.ID)
		if err != nil {
			h.Log.Warn("auto delivery failed", zap.String("connectionId", c.Param("connectionId")), zap.Error(err))
		} else {
			delivered := make(map[uint]int, len(updated))
			for i, m := range updated {
				delivered[m.ID] = i
			}
			for i := range page.Messages {
				if j, ok := delivered[page.Messages[i].ID]; ok {
					page.Messages[i].IsDelivered = true
					page.Messages[i].DeliveredAt = updated[j].DeliveredAt
				}
			}
			h.Dispatcher.PublishDelivered(updated)
		}
	}
	utils.RespondSuccess(c, messagePageResponse(page), nil)
}

func (h *Controller) SearchMessages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var q struct {
		pageQuery
		Query string `form:"query" binding:"required"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	page, err := h.Messages.Search(c.Request.Context(), c.Param("connectionId"), user.ID, q.Query, q.Page, q.Limit)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, messagePageResponse(page), nil)
}

func (h *Controller) MarkMessagesRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var input messageIDsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	res, err := h.Messages.MarkRead(c.Request.Context(), input.MessageIDs, user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Dispatcher.PublishMessagesRead(user.ID, res)
	utils.RespondSuccess(c, gin.H{"updatedCount": len(res.Messages)}, nil)
}

func (h *Controller) MarkMessagesDelivered(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var input messageIDsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	updated, err := h.Messages.MarkDelivered(c.Request.Context(), input.MessageIDs, user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Dispatcher.PublishDelivered(updated)
	utils.RespondSuccess(c, gin.H{"updatedCount": len(updated)}, nil)
}

func (h *Controller) UnreadMessageCount(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.Messages.UnreadCountFor(c.Request.Context(), user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"unreadCount": n}, nil)
}

// TypingUsers returns who is currently typing in a conversation.
func (h *Controller) TypingUsers(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	conn, err := h.Connections.Get(c.Request.Context(), c.Param("connectionId"), user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, gin.H{"connectionId": conn.ID, "typing": h.Dispatcher.Typers(conn.ID)}, nil)
}

func messagePageResponse(p services.MessagePage) gin.H {
	return gin.H{
		"messages": p.Messages,
		"pagination": gin.H{
			"page":  p.Page,
			"limit": p.Limit,
			"total": p.Total,
			"pages": p.Pages(),
		},
	}
}

func fileTooLarge() error {
	return &services.Error{Kind: services.KindValidation, Reason: "file_too_large", Message: "file exceeds the upload limit"}
}

func detectMimeType(header, filename string) string {
	if header != "" && header != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			return parsed
		}
	}
	return "application/octet-stream"
}
