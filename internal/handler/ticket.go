package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/service"
	"github.com/rs/zerolog"
)

type TicketHandler struct {
	svc *service.TicketService
	log zerolog.Logger
}

func NewTicketHandler(svc *service.TicketService, log zerolog.Logger) *TicketHandler {
	return &TicketHandler{svc: svc, log: log}
}

func ticketID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errs.Validation("invalid ticket id %q", c.Param("id"))
	}
	return id, nil
}

type createTicketRequest struct {
	Category    string `json:"category" binding:"required"`
	Priority    string `json:"priority" binding:"required"`
	Subject     string `json:"subject" binding:"required"`
	Description string `json:"description" binding:"required"`
}

func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, errs.Validation("invalid body: category, priority, subject and description are required"))
		return
	}
	t, err := h.svc.Create(c.Request.Context(), actor(c), service.CreateTicketInput{
		Category:    req.Category,
		Priority:    req.Priority,
		Subject:     req.Subject,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *TicketHandler) Get(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	t, err := h.svc.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) List(c *gin.Context) {
	f := service.ListFilter{Status: c.Query("status")}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}
	items, total, err := h.svc.List(c.Request.Context(), actor(c), f)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": items,
		"total":   total,
	})
}

func (h *TicketHandler) Accept(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	t, err := h.svc.Accept(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) Reject(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	t, err := h.svc.Reject(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type reassignRequest struct {
	ReassignTo uint64 `json:"reassign_to" binding:"required"`
}

func (h *TicketHandler) Reassign(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var req reassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, errs.Validation("invalid body: reassign_to is required"))
		return
	}
	t, err := h.svc.Reassign(c.Request.Context(), actor(c), id, req.ReassignTo)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type closeRequest struct {
	Reason     string `json:"reason"`
	ReassignTo uint64 `json:"reassign_to,omitempty"`
}

func (h *TicketHandler) Close(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, errs.Validation("invalid body"))
		return
	}
	t, err := h.svc.Close(c.Request.Context(), actor(c), id, service.CloseInput{
		Reason:     req.Reason,
		ReassignTo: req.ReassignTo,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) Reopen(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	t, err := h.svc.Reopen(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) Messages(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	msgs, err := h.svc.ListMessages(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *TicketHandler) LastMessage(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	m, err := h.svc.LastMessage(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *TicketHandler) Unread(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	n, err := h.svc.UnreadCount(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "unread": n})
}

func (h *TicketHandler) MarkRead(c *gin.Context) {
	id, err := ticketID(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	n, err := h.svc.MarkRead(c.Request.Context(), actor(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "marked_read": n})
}
