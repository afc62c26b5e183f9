// Package remotetest provides an in-process fake of the central sync API
// with real idempotency and conflict semantics, for use in tests.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/remote"
)

type submitRequest struct {
	Operation        models.OperationType `json:"operation"`
	OriginID         string               `json:"origin_id"`
	OriginModifiedAt time.Time            `json:"origin_modified_at"`
	Payload          json.RawMessage      `json:"payload"`
}

type credentials struct {
	password string
	userID   string
	configID string
}

// Server is a fake central API backed by in-memory state.
//
// Idempotency keys are remembered across requests, conflicts are decided by
// comparing modification times, and acknowledgements can be dropped on demand
// to simulate a response lost in transit after the server committed.
type Server struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	records  map[string]map[string]remote.Record
	users    map[string]credentials
	rejects  map[string]bool
	applied  int
	down     bool
	dropAcks int

	router *gin.Engine
	srv    *httptest.Server
}

// NewHandler builds the fake without a listening socket, so a dev server
// binary can serve it from a real address.
func NewHandler() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		seen:    make(map[string]time.Time),
		records: make(map[string]map[string]remote.Record),
		users:   make(map[string]credentials),
		rejects: make(map[string]bool),
	}

	r := gin.New()
	r.Use(s.outage)
	r.GET("/api/v1/probe", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/api/v1/sync", s.handleSubmit)
	r.GET("/api/v1/collections/:collection", s.handleFetch)
	r.GET("/api/v1/collections/:collection/:id", s.handleFind)
	r.POST("/api/v1/auth/login", s.handleLogin)
	s.router = r
	return s
}

// New builds the fake and serves it from an ephemeral port.
func New() *Server {
	s := NewHandler()
	s.srv = httptest.NewServer(s.router)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }
func (s *Server) URL() string           { return s.srv.URL }

func (s *Server) Close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

// SetDown makes every endpoint answer 503 until re-enabled.
func (s *Server) SetDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

// DropNextAck makes the next successful submission answer 503 after the
// operation has been committed server-side.
func (s *Server) DropNextAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks++
}

// Applied returns how many submissions actually took effect.
func (s *Server) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// SeedRecord installs a record, e.g. reference data or a pre-existing server
// version used to trigger conflicts.
func (s *Server) SeedRecord(collection string, rec remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[collection] == nil {
		s.records[collection] = make(map[string]remote.Record)
	}
	s.records[collection][rec.ID] = rec
}

// RejectOrigin makes submissions touching the given origin fail validation
// with 422, a permanent rejection.
func (s *Server) RejectOrigin(originID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[originID] = true
}

// DeleteRecord removes a record, simulating an upstream deletion.
func (s *Server) DeleteRecord(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[collection], id)
}

// SeedUser registers credentials accepted by the login endpoint.
func (s *Server) SeedUser(username, password, userID, configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = credentials{password: password, userID: userID, configID: configID}
}

func (s *Server) outage(c *gin.Context) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance"})
		return
	}
	c.Next()
}

func (s *Server) handleSubmit(c *gin.Context) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing idempotency key"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.seen[key]; ok {
		c.JSON(http.StatusOK, gin.H{"result": "already_processed", "server_modified_at": at})
		return
	}

	if s.rejects[req.OriginID] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed"})
		return
	}

	collection := req.Operation.Collection()
	if existing, ok := s.records[collection][req.OriginID]; ok && existing.ModifiedAt.After(req.OriginModifiedAt) {
		c.JSON(http.StatusConflict, gin.H{
			"error":              "server version is newer",
			"server_modified_at": existing.ModifiedAt,
		})
		return
	}

	now := time.Now().UTC()
	if s.records[collection] == nil {
		s.records[collection] = make(map[string]remote.Record)
	}
	s.records[collection][req.OriginID] = remote.Record{
		ID:         req.OriginID,
		ModifiedAt: now,
		Payload:    req.Payload,
	}
	s.seen[key] = now
	s.applied++

	if s.dropAcks > 0 {
		s.dropAcks--
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ack lost"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": "accepted", "server_modified_at": now})
}

func (s *Server) handleFetch(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.records[c.Param("collection")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection"})
		return
	}
	out := make([]remote.Record, 0, len(coll))
	for _, rec := range coll {
		out = append(out, rec)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleFind(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[c.Param("collection")][c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	cred, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || cred.password != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, remote.LoginResult{
		UserID:    cred.userID,
		ConfigID:  cred.configID,
		Token:     "remote-session-token",
		ExpiresAt: time.Now().Add(8 * time.Hour),
	})
}
