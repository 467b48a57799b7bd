package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sipeed/picobridge/pkg/bridge"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/pairing"
)

// Server is the local HTTP control surface: status, chat listing and
// pairing management for the CLI and for MCP clients. It binds to
// loopback by default and carries no authentication of its own.
type Server struct {
	bridge *bridge.Bridge
	store  *config.Store
	cfg    config.GatewayConfig

	httpSrv *http.Server
}

func NewServer(b *bridge.Bridge, store *config.Store, cfg config.GatewayConfig) *Server {
	return &Server{bridge: b, store: store, cfg: cfg}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/chats", s.handleChats)
	api.GET("/pairing", s.handlePairingList)
	api.POST("/pairing/claim", s.handlePairingClaim)

	if s.cfg.MCPEnabled {
		mcpH := s.mcpHandler()
		router.Any("/mcp", gin.WrapH(mcpH))
		router.Any("/mcp/*rest", gin.WrapH(mcpH))
	}
	return router
}

func (s *Server) Start() error {
	router := s.router()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: router}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "HTTP server failed", map[string]interface{}{
				"addr":  addr,
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("gateway", "Listening", map[string]interface{}{"addr": addr})
	return nil
}

func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.Snapshot())
}

func (s *Server) handleChats(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	chats, err := s.bridge.ListChats(limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", chats)
}

func (s *Server) handlePairingList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": s.bridge.Pairings().ListPairingRequests(),
	})
}

type claimRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handlePairingClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	handle, err := s.bridge.Pairings().ClaimPairingCode(req.Code, s.store, claimSource(c))
	if err != nil {
		c.JSON(claimStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle})
}

// claimSource identifies the claimer for rate limiting: an explicit
// X-Claim-Source header when the caller supplies one (the CLI sends
// "cli:<hostname>"), otherwise the client IP.
func claimSource(c *gin.Context) string {
	if src := c.GetHeader("X-Claim-Source"); src != "" {
		return src
	}
	return c.ClientIP()
}

func claimStatus(err error) int {
	switch {
	case errors.Is(err, pairing.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pairing.ErrInvalidCode),
		errors.Is(err, pairing.ErrExpiredCode),
		errors.Is(err, pairing.ErrAlreadyClaimed):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
