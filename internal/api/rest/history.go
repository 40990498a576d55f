package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

const defaultCount = 50

func queryCount(c *gin.Context) (int, error) {
	q := c.Query("count")
	if q == "" {
		return defaultCount, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("count must be a positive integer, have %q", q)
	}
	return n, nil
}

func querySeq(c *gin.Context, name string) (uint64, bool, error) {
	q := c.Query(name)
	if q == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a sequence number, have %q", name, q)
	}
	return n, true, nil
}

func messagesResponse(c *gin.Context, dev types.DeviceInfo, category string, msgs []proxy.Message) {
	c.JSON(http.StatusOK, gin.H{
		"device":   dev,
		"category": category,
		"messages": msgs,
		"count":    len(msgs),
	})
}

// GET /api/v1/devices/:device/history/:category
//
// Exactly one of: count=N (newest N), from=&to= (sequence range, either end open),
// anchor=<uuid>&direction=before|after[&count=N].
func (s *Server) getHistory(c *gin.Context) {
	cat, err := history.ParseCategory(c.Param("category"))
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid category", err)
		return
	}
	s.queryHistory(c, cat)
}

// GET /api/v1/devices/:device/logs
func (s *Server) getLogs(c *gin.Context) {
	s.queryHistory(c, history.Log)
}

func (s *Server) queryHistory(c *gin.Context, cat history.Category) {
	count, err := queryCount(c)
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid count", err)
		return
	}
	dispatcher := s.lm.Dispatcher()
	device := c.Param("device")

	if anchor := c.Query("anchor"); anchor != "" {
		id, err := uuid.Parse(anchor)
		if err != nil {
			badRequest(c, "HISTORY_400", "Invalid anchor", err)
			return
		}
		dir, err := history.ParseDirection(c.DefaultQuery("direction", "before"))
		if err != nil {
			badRequest(c, "HISTORY_400", "Invalid direction", err)
			return
		}
		dev, msgs, err := dispatcher.HistoryAnchored(device, cat, id, count, dir)
		if err != nil {
			s.fail(c, err)
			return
		}
		messagesResponse(c, dev, cat.String(), msgs)
		return
	}

	from, hasFrom, err := querySeq(c, "from")
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid range", err)
		return
	}
	to, hasTo, err := querySeq(c, "to")
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid range", err)
		return
	}
	if hasFrom || hasTo {
		if !hasTo {
			to = ^uint64(0)
		}
		if from > to {
			badRequest(c, "HISTORY_400", "Invalid range", fmt.Errorf("from %d is after to %d", from, to))
			return
		}
		dev, msgs, err := dispatcher.HistoryRange(device, cat, from, to)
		if err != nil {
			s.fail(c, err)
			return
		}
		messagesResponse(c, dev, cat.String(), msgs)
		return
	}

	dev, msgs, err := dispatcher.History(device, cat, count)
	if err != nil {
		s.fail(c, err)
		return
	}
	messagesResponse(c, dev, cat.String(), msgs)
}

// GET /api/v1/devices/:device/archive/:category?count=N
//
// Reads the database archive, which outlives in-memory retention.
func (s *Server) getArchive(c *gin.Context) {
	archive := s.lm.Archive()
	if archive == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(
			"ARCHIVE_503", "Archive not configured", nil))
		return
	}

	cat, err := history.ParseCategory(c.Param("category"))
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid category", err)
		return
	}
	count, err := queryCount(c)
	if err != nil {
		badRequest(c, "HISTORY_400", "Invalid count", err)
		return
	}

	dev, ok := s.device(c)
	if !ok {
		return
	}

	entries, err := archive.ArchivedEntries(c.Request.Context(), dev.ID, cat, count)
	if err != nil {
		s.fail(c, err)
		return
	}

	msgs := make([]proxy.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, s.lm.Dispatcher().DecodeEntry(e))
	}
	messagesResponse(c, dev, cat.String(), msgs)
}

// GET /api/v1/devices/:device/topics/messages?path=&count=
func (s *Server) getTopicMessages(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		badRequest(c, "TOPIC_400", "Missing path", fmt.Errorf("path query parameter is required"))
		return
	}
	count, err := queryCount(c)
	if err != nil {
		badRequest(c, "TOPIC_400", "Invalid count", err)
		return
	}

	dev, resolved, msgs, err := s.lm.Dispatcher().TopicMessages(c.Request.Context(), c.Param("device"), path, count)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":   dev,
		"path":     resolved,
		"messages": msgs,
		"count":    len(msgs),
	})
}
