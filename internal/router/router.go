package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpdesk-service/api"
	"github.com/psds-microservice/helpdesk-service/internal/handler"
	"github.com/psds-microservice/helpdesk-service/internal/identity"
	"github.com/psds-microservice/helpdesk-service/internal/realtime"
	"github.com/psds-microservice/helpy/paths"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Handlers struct {
	Health  *handler.HealthHandler
	Tickets *handler.TicketHandler
	Users   *handler.UserHandler
	Gateway *realtime.Gateway
	Auth    identity.Authenticator
}

func New(h Handlers, log zerolog.Logger) http.Handler {
	r := gin.New()
	r.Use(handler.Recovery(log), handler.RequestLogger(log))
	r.GET(paths.PathHealth, h.Health.Health)
	r.GET(paths.PathReady, h.Health.Ready)
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	// The socket authenticates itself so it can answer with an error frame.
	r.GET("/ws", h.Gateway.Handle)

	v1 := r.Group("/api/v1", handler.Authenticate(h.Auth, log))
	{
		v1.POST("/tickets", h.Tickets.Create)
		v1.GET("/tickets", h.Tickets.List)
		v1.GET("/tickets/:id", h.Tickets.Get)
		v1.POST("/tickets/:id/accept", h.Tickets.Accept)
		v1.POST("/tickets/:id/reject", h.Tickets.Reject)
		v1.PUT("/tickets/:id/reassign", h.Tickets.Reassign)
		v1.PUT("/tickets/:id/close", h.Tickets.Close)
		v1.PUT("/tickets/:id/reopen", h.Tickets.Reopen)
		v1.GET("/tickets/:id/messages", h.Tickets.Messages)
		v1.GET("/tickets/:id/messages/last", h.Tickets.LastMessage)
		v1.GET("/tickets/:id/unread", h.Tickets.Unread)
		v1.PUT("/tickets/:id/read", h.Tickets.MarkRead)

		v1.GET("/agents", h.Users.Agents)
		v1.GET("/users/:id", h.Users.Get)
		v1.GET("/auth/validate", h.Users.Validate)
	}

	return r
}
