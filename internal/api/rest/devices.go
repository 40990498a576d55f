package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

type endpointView struct {
	Path         string         `json:"path"`
	RequestKey   schema.TypeKey `json:"request_key"`
	ResponseKey  schema.TypeKey `json:"response_key"`
	RequestType  string         `json:"request_type"`
	ResponseType string         `json:"response_type"`
}

type topicView struct {
	Path      string         `json:"path"`
	Direction string         `json:"direction"`
	Key       schema.TypeKey `json:"key"`
	Type      string         `json:"type"`
}

type typeView struct {
	Key        schema.TypeKey `json:"key"`
	Name       string         `json:"name"`
	Pseudocode string         `json:"pseudocode"`
	Schema     *schema.Schema `json:"schema"`
}

func typeName(set *schema.DeviceSchemaSet, key schema.TypeKey) string {
	t, ok := set.Type(key)
	if !ok {
		return "<unknown>"
	}
	return schema.TypeName(t)
}

// device resolves the :device path fragment.
func (s *Server) device(c *gin.Context) (types.DeviceInfo, bool) {
	dev, err := s.lm.Resolver().ResolveDevice(c.Param("device"))
	if err != nil {
		s.fail(c, err)
		return dev, false
	}
	return dev, true
}

// schemaSet resolves the device and its current schema generation.
func (s *Server) schemaSet(c *gin.Context) (types.DeviceInfo, *schema.DeviceSchemaSet, bool) {
	dev, ok := s.device(c)
	if !ok {
		return dev, nil, false
	}
	set, err := s.lm.Schemas().Snapshot(dev.ID)
	if err != nil {
		s.fail(c, err)
		return dev, nil, false
	}
	return dev, set, true
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.DeviceManager().ListDevices()

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:device
func (s *Server) getDevice(c *gin.Context) {
	dev, ok := s.device(c)
	if !ok {
		return
	}

	resp := gin.H{"device": dev}
	if set, err := s.lm.Schemas().Snapshot(dev.ID); err == nil {
		resp["schema"] = gin.H{
			"generation":    set.Generation,
			"discovered_at": set.DiscoveredAt,
			"endpoints":     len(set.Endpoints()),
			"topics_in":     len(set.Topics(schema.ToServer)),
			"topics_out":    len(set.Topics(schema.ToClient)),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/devices/:device/endpoints
func (s *Server) listEndpoints(c *gin.Context) {
	dev, set, ok := s.schemaSet(c)
	if !ok {
		return
	}

	eps := set.Endpoints()
	views := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, endpointView{
			Path:         ep.Path,
			RequestKey:   ep.RequestKey,
			ResponseKey:  ep.ResponseKey,
			RequestType:  typeName(set, ep.RequestKey),
			ResponseType: typeName(set, ep.ResponseKey),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"device":     dev,
		"generation": set.Generation,
		"endpoints":  views,
	})
}

// GET /api/v1/devices/:device/topics?direction=in|out
func (s *Server) listTopics(c *gin.Context) {
	dirs := []schema.Direction{schema.ToServer, schema.ToClient}
	if q := c.Query("direction"); q != "" {
		dir, err := schema.ParseDirection(q)
		if err != nil {
			badRequest(c, "TOPIC_400", "Invalid direction", err)
			return
		}
		dirs = []schema.Direction{dir}
	}

	dev, set, ok := s.schemaSet(c)
	if !ok {
		return
	}

	views := make([]topicView, 0)
	for _, dir := range dirs {
		for _, tp := range set.Topics(dir) {
			views = append(views, topicView{
				Path:      tp.Path,
				Direction: dir.String(),
				Key:       tp.Key,
				Type:      typeName(set, tp.Key),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"device":     dev,
		"generation": set.Generation,
		"topics":     views,
	})
}

// GET /api/v1/devices/:device/types
func (s *Server) listTypes(c *gin.Context) {
	dev, set, ok := s.schemaSet(c)
	if !ok {
		return
	}

	entries := set.Types()
	views := make([]typeView, 0, len(entries))
	for _, t := range entries {
		views = append(views, typeView{
			Key:        t.Key,
			Name:       schema.TypeName(t.Schema),
			Pseudocode: schema.Pseudocode(t.Schema),
			Schema:     t.Schema,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"device":     dev,
		"generation": set.Generation,
		"types":      views,
	})
}

// DELETE /api/v1/devices/:device
func (s *Server) forgetDevice(c *gin.Context) {
	dev, ok := s.device(c)
	if !ok {
		return
	}

	if err := s.lm.DeviceManager().Forget(c.Request.Context(), dev.ID); err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device forgotten",
		"serial":  dev.ID,
	})
}

// POST /api/v1/devices/:device/reschema
func (s *Server) reschemaDevice(c *gin.Context) {
	dev, ok := s.device(c)
	if !ok {
		return
	}

	if err := s.lm.DeviceManager().Rediscover(c.Request.Context(), dev.ID); err != nil {
		s.fail(c, err)
		return
	}

	set, err := s.lm.Schemas().Snapshot(dev.ID)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("Device schema refreshed",
		zap.String("device", dev.ID.Hex()),
		zap.Uint64("generation", set.Generation))

	c.JSON(http.StatusOK, gin.H{
		"device":     dev,
		"generation": set.Generation,
	})
}
