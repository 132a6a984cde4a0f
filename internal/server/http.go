package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"medlink/gateway/internal/session"
)

// ErrBadCommand is returned for a command whose bytes are not valid hex.
var ErrBadCommand = errors.New("bad command")

// Command is one raw write to a device, from the API or the downlink.
type Command struct {
	DeviceID string `json:"device_id" binding:"required"`
	Hex      string `json:"hex" binding:"required"`
}

func (s *TCPServer) send(cmd Command) (int, error) {
	data, err := hex.DecodeString(cmd.Hex)
	if err != nil || len(data) == 0 {
		return 0, fmt.Errorf("%w: hex payload %q", ErrBadCommand, cmd.Hex)
	}
	if err := s.sessions.Send(cmd.DeviceID, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Router builds the management API.
func (s *TCPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/sessions", s.handleSessions)
	r.GET("/stats", s.handleStats)
	r.POST("/send-command", s.handleSendCommand)
	return r
}

func (s *TCPServer) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.Gateway.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.http = &http.Server{Handler: s.Router()}
	s.log.Info("http server listening", map[string]any{"addr": addr})

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

func (s *TCPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"gateway_id": s.config.Gateway.ID,
		"sessions":   s.sessions.Len(),
	})
}

func (s *TCPServer) handleSessions(c *gin.Context) {
	list := s.sessions.List()
	if list == nil {
		list = []session.Info{}
	}
	c.JSON(http.StatusOK, list)
}

// handleStats reports counters of finished sessions together with the live
// ones, which have not been absorbed yet.
func (s *TCPServer) handleStats(c *gin.Context) {
	live := s.sessions.List()
	var buffered, open int
	for _, info := range live {
		buffered += info.Buffered
		open += info.OpenLosses
	}
	c.JSON(http.StatusOK, gin.H{
		"totals": s.metrics.Snapshot(),
		"live": gin.H{
			"sessions":    len(live),
			"buffered":    buffered,
			"open_losses": open,
		},
	})
}

func (s *TCPServer) handleSendCommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := s.send(cmd)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "queued", "bytes": n})
	case errors.Is(err, ErrBadCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotConnected):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
