package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// proxyRequest is the body of both proxy and publish. Message may be omitted for
// unit endpoints.
type proxyRequest struct {
	Path      string          `json:"path" binding:"required"`
	Message   json.RawMessage `json:"message"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// POST /api/v1/devices/:device/proxy
func (s *Server) proxyEndpoint(c *gin.Context) {
	var req proxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "PROXY_400", "Invalid request body", err)
		return
	}
	if req.TimeoutMS < 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PROXY_400", "timeout_ms must not be negative", req.TimeoutMS))
		return
	}

	res, err := s.lm.Dispatcher().CallEndpoint(c.Request.Context(), c.Param("device"), req.Path, req.Message,
		time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":     res.Device,
		"path":       res.Path,
		"seq":        res.Seq,
		"response":   res.JSON,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}

// POST /api/v1/devices/:device/publish
func (s *Server) publishTopic(c *gin.Context) {
	var req proxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "PUBLISH_400", "Invalid request body", err)
		return
	}

	ack, err := s.lm.Dispatcher().PublishTopic(c.Request.Context(), c.Param("device"), req.Path, req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, ack)
}
