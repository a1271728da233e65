package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ember/internal/knowledge"
)

func (s *Server) ingestSource(c *gin.Context) {
	var src knowledge.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		failBadRequest(c, "invalid source: "+err.Error())
		return
	}
	item, created, err := s.deps.Knowledge.Ingest(c.Request.Context(), src)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, status, gin.H{"item": item, "created": created})
}

func (s *Server) ingestBatch(c *gin.Context) {
	var sources []knowledge.Source
	if err := c.ShouldBindJSON(&sources); err != nil {
		failBadRequest(c, "invalid sources: "+err.Error())
		return
	}
	stats, err := s.deps.Knowledge.IngestAll(c.Request.Context(), sources)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, stats)
}

func (s *Server) queryKnowledge(c *gin.Context) {
	var req struct {
		Query     string `json:"query"`
		Principal string `json:"principal"`
		Budget    int    `json:"budget"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid query: "+err.Error())
		return
	}
	bundle, err := s.deps.Knowledge.Retrieve(c.Request.Context(), req.Query, req.Principal, req.Budget)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, bundle)
}

func (s *Server) knowledgeStats(c *gin.Context) {
	counts := make(map[string]int, len(knowledge.AllBuckets()))
	total := 0
	for _, b := range knowledge.AllBuckets() {
		n := s.deps.Knowledge.Count(b)
		counts[string(b)] = n
		total += n
	}
	respond(c, http.StatusOK, gin.H{"buckets": counts, "total": total})
}
