package controllers

import (
	"net/http"

	"companion-chat/models"
	"companion-chat/services"
	"companion-chat/utils"

	"github.com/gin-gonic/gin"
)

// connectionView adds live presence of the other party to a connection.
type connectionView struct {
	models.Connection
	PeerID     string `json:"peerId"`
	PeerOnline bool   `json:"peerOnline"`
}

func (h *Controller) view(conn *models.Connection, userID string) connectionView {
	peer := conn.OtherParty(userID)
	return connectionView{
		Connection: *conn,
		PeerID:     peer,
		PeerOnline: peer != "" && h.Dispatcher.Registry().IsOnline(peer),
	}
}

// CreateConnection 创建连接
func (h *Controller) CreateConnection(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var input struct {
		PartyID    string `json:"partyId" binding:"required"`
		Role       string `json:"role" binding:"required,role"`
		Route      string `json:"route" binding:"required"`
		TravelDate string `json:"travelDate" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}

	conn, created, err := h.Connections.Create(c.Request.Context(), services.CreateConnection{
		RequesterID: user.ID,
		PartyID:     input.PartyID,
		Role:        models.Role(input.Role),
		Route:       input.Route,
		TravelDate:  input.TravelDate,
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.Dispatcher.PublishConnectionStatus(c.Request.Context(), conn, user)
	}
	utils.RespondStatus(c, status, h.view(conn, user.ID), gin.H{"created": created})
}

func (h *Controller) GetConnections(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var q struct {
		Role   string `form:"role" binding:"omitempty,role"`
		Status string `form:"status" binding:"omitempty,connstatus"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	conns, err := h.Connections.ListFor(c.Request.Context(), user.ID, services.ConnectionFilter{
		Role:   models.Role(q.Role),
		Status: models.ConnectionStatus(q.Status),
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for i := range conns {
		views = append(views, h.view(&conns[i], user.ID))
	}
	utils.RespondSuccess(c, views, nil)
}

// GetConnectionByID 根据连接 ID 获取连接信息
func (h *Controller) GetConnectionByID(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	conn, err := h.Connections.Get(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, h.view(conn, user.ID), nil)
}

// UpdateConnectionStatus moves a connection through its lifecycle and tells
// the other party.
func (h *Controller) UpdateConnectionStatus(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var input struct {
		Status string `json:"status" binding:"required,connstatus"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondBadRequest(c, err.Error())
		return
	}
	conn, err := h.Connections.Transition(c.Request.Context(), c.Param("id"), user.ID, models.ConnectionStatus(input.Status))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.Dispatcher.PublishConnectionStatus(c.Request.Context(), conn, user)
	utils.RespondSuccess(c, h.view(conn, user.ID), nil)
}
