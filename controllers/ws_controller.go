package controllers

import (
	"github.com/gin-gonic/gin"
)

func (h *Controller) WSController(ctx *gin.Context) {
	h.WS.HandleWebSocket(ctx)
}
