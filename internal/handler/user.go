package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/service"
	"github.com/rs/zerolog"
)

type UserHandler struct {
	svc *service.TicketService
	log zerolog.Logger
}

func NewUserHandler(svc *service.TicketService, log zerolog.Logger) *UserHandler {
	return &UserHandler{svc: svc, log: log}
}

// Agents lists the agents a ticket can be reassigned to.
func (h *UserHandler) Agents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *UserHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, h.log, errs.Validation("invalid user id %q", c.Param("id")))
		return
	}
	u, err := h.svc.GetUser(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Validate echoes the caller; reaching it means the token is good.
func (h *UserHandler) Validate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true, "user": actor(c)})
}
