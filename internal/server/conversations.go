package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ember/internal/conversation"
	"ember/internal/llm"
	"ember/internal/parser"
	"ember/internal/tool"
)

type turnRequest struct {
	Content     string                    `json:"content"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// streamEvent is the SSE wire shape of one parser event.
type streamEvent struct {
	Kind    string     `json:"kind"`
	Delta   string     `json:"delta,omitempty"`
	Call    *tool.Call `json:"call,omitempty"`
	Usage   *llm.Usage `json:"usage,omitempty"`
	ErrKind string     `json:"error_kind,omitempty"`
	Message string     `json:"message,omitempty"`
}

func toStreamEvent(ev parser.Event) streamEvent {
	return streamEvent{
		Kind:    string(ev.Kind),
		Delta:   ev.Delta,
		Call:    ev.Call,
		Usage:   ev.Usage,
		ErrKind: ev.ErrKind,
		Message: ev.Message,
	}
}

func (s *Server) createConversation(c *gin.Context) {
	var req struct {
		Principal string `json:"principal"`
		Title     string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid conversation request: "+err.Error())
		return
	}
	conv, err := s.deps.Conversations.CreateConversation(c.Request.Context(), conversation.Conversation{
		Principal: req.Principal,
		Title:     req.Title,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, conv)
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.deps.Conversations.ListConversations(c.Request.Context(), c.Query("principal"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, convs)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.deps.Conversations.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, conv)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.deps.Conversations.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, msgs)
}

// submitTurn runs one turn to completion and returns the buffered result.
func (s *Server) submitTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid turn request: "+err.Error())
		return
	}
	if req.Content == "" {
		failBadRequest(c, "content is required")
		return
	}

	result, err := s.deps.Turns.Submit(c.Request.Context(), c.Param("id"), req.Content, req.Attachments, nil)
	if err != nil && result == nil {
		fail(c, err)
		return
	}
	// A failed turn still carries the persisted messages; the Failed flag
	// tells the client what happened.
	respond(c, http.StatusOK, result)
}

// streamTurn runs one turn, streaming parser events over SSE as they happen.
// The final event carries the full turn result.
func (s *Server) streamTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid turn request: "+err.Error())
		return
	}
	if req.Content == "" {
		failBadRequest(c, "content is required")
		return
	}

	events := make(chan parser.Event, 32)
	type outcome struct {
		result *conversation.TurnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.deps.Turns.Submit(c.Request.Context(), c.Param("id"), req.Content, req.Attachments,
			func(ev parser.Event) { events <- ev })
		close(events)
		done <- outcome{result: result, err: err}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Plain write loop over the event channel. Disconnects cancel the
	// request context, which ends the turn and closes the channel.
	for ev := range events {
		c.SSEvent(string(ev.Kind), toStreamEvent(ev))
		c.Writer.Flush()
	}
	out := <-done
	if out.result == nil {
		c.SSEvent("error", gin.H{"error": out.err.Error()})
	} else {
		c.SSEvent("result", out.result)
	}
	c.Writer.Flush()
}
