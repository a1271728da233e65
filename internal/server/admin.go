package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ember/internal/trigger"
	"ember/internal/usage"
)

func (s *Server) listTriggers(c *gin.Context) {
	respond(c, http.StatusOK, s.deps.Triggers.List())
}

func (s *Server) registerTrigger(c *gin.Context) {
	var tr trigger.Trigger
	if err := c.ShouldBindJSON(&tr); err != nil {
		failBadRequest(c, "invalid trigger: "+err.Error())
		return
	}
	if err := s.deps.Triggers.Register(tr); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, tr)
}

func (s *Server) removeTrigger(c *gin.Context) {
	s.deps.Triggers.Remove(c.Param("id"))
	respond(c, http.StatusOK, gin.H{"removed": c.Param("id")})
}

func (s *Server) fireTrigger(c *gin.Context) {
	var req struct {
		FireKey string `json:"fire_key"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failBadRequest(c, "invalid fire request: "+err.Error())
			return
		}
	}
	t, err := s.deps.Triggers.Fire(c.Request.Context(), c.Param("id"), req.FireKey)
	if errors.Is(err, trigger.ErrSkipped) {
		respond(c, http.StatusOK, gin.H{"skipped": true})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, t)
}

func (s *Server) usageTotals(c *gin.Context) {
	filter := usage.Filter{
		Principal:      c.Query("principal"),
		ConversationID: c.Query("conversation_id"),
		Model:          c.Query("model"),
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			failBadRequest(c, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}
	if until := c.Query("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			failBadRequest(c, "until must be RFC 3339")
			return
		}
		filter.Until = ts
	}

	totals, err := s.deps.Usage.Totals(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, totals)
}
