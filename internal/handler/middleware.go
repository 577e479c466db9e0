package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/identity"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/rs/zerolog"
)

const actorKey = "helpdesk.actor"

// Authenticate resolves the bearer token to a user and stores it on the
// request. Requests without a valid token stop here with 401.
func Authenticate(auth identity.Authenticator, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			writeError(c, log, errs.Auth("missing bearer token"))
			return
		}
		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.Set(actorKey, *user)
		c.Next()
	}
}

// actor returns the user set by Authenticate.
func actor(c *gin.Context) model.User {
	v, _ := c.Get(actorKey)
	u, _ := v.(model.User)
	return u
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery turns a panic into a logged 500.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		log.Error().Interface("panic", rec).Str("path", c.Request.URL.Path).Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": errorBody{Kind: errs.KindInternal, Message: "internal error"},
		})
	})
}
