package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hoymiles-bridge/internal/bridge"
	"hoymiles-bridge/internal/storage"
)

// Server exposes the bridge state over REST for dashboards and debugging.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	observer *bridge.Observer
	db       *storage.Database
	port     int
}

type ServerConfig struct {
	Port     int
	Observer *bridge.Observer
	Database *storage.Database
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		observer: cfg.Observer,
		db:       cfg.Database,
		port:     cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/status", s.statusHandler)
	s.router.GET("/api/sources", s.sourcesHandler)
	s.router.GET("/api/readings", s.readingsHandler)
	s.router.GET("/api/sources/:index/readings", s.sourceReadingsHandler)
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.observer.Snapshot(time.Now()))
}

func (s *Server) sourcesHandler(c *gin.Context) {
	snap := s.observer.Snapshot(time.Now())
	c.JSON(http.StatusOK, snap.Sources)
}

func (s *Server) readingsHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	readings, err := s.db.GetReadingsWithLimit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) sourceReadingsHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database disabled"})
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source index"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	readings, err := s.db.GetSourceReadings(index, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	log.Printf("API server listening on :%d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
