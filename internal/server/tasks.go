package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

func (s *Server) createTask(c *gin.Context) {
	var spec task.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		failBadRequest(c, "invalid task spec: "+err.Error())
		return
	}
	created, err := s.deps.Exec.Spawn(c.Request.Context(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, created)
}

func (s *Server) listTasks(c *gin.Context) {
	filter := task.Filter{
		ParentID:       c.Query("parent_id"),
		WorkflowID:     c.Query("workflow_id"),
		Principal:      c.Query("principal"),
		ConversationID: c.Query("conversation_id"),
	}
	if statuses := c.Query("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, task.Status(strings.TrimSpace(s)))
		}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			failBadRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	tasks, err := s.deps.Tasks.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (s *Server) taskChildren(c *gin.Context) {
	children, err := s.deps.Tasks.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, children)
}

func (s *Server) prioritizeTask(c *gin.Context) {
	t, err := s.deps.Exec.Prioritize(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (s *Server) interruptTask(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failBadRequest(c, "invalid interrupt request: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "interrupted via API"
	}
	if err := s.deps.Exec.Interrupt(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"interrupted": c.Param("id")})
}

func (s *Server) provideTaskInput(c *gin.Context) {
	var req struct {
		Input jsonx.RawMessage `json:"input"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid input request: "+err.Error())
		return
	}
	t, err := s.deps.Exec.ProvideInput(c.Request.Context(), c.Param("id"), req.Input)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (s *Server) executorStatus(c *gin.Context) {
	respond(c, http.StatusOK, s.deps.Exec.Status())
}

func (s *Server) pauseExecutor(c *gin.Context) {
	if err := s.deps.Exec.Pause(); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, s.deps.Exec.Status())
}

func (s *Server) resumeExecutor(c *gin.Context) {
	if err := s.deps.Exec.Resume(); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, s.deps.Exec.Status())
}
