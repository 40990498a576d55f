package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// apiError is the HTTP rendering of a gateway error.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func classify(err error) apiError {
	var (
		noMatch   *resolver.NoMatchError
		ambiguous *resolver.AmbiguousError
		mismatch  *codec.MismatchError
		remote    *proxy.RemoteError
	)

	switch {
	case errors.As(err, &noMatch):
		return apiError{http.StatusNotFound, prefix(noMatch.Kind) + "_404", "No match", gin.H{"fragment": noMatch.Fragment}}
	case errors.As(err, &ambiguous):
		return apiError{http.StatusConflict, prefix(ambiguous.Kind) + "_409", "Ambiguous match", gin.H{
			"fragment":   ambiguous.Fragment,
			"candidates": ambiguous.Candidates,
		}}
	case errors.Is(err, devices.ErrUnknownDevice):
		return apiError{http.StatusNotFound, "DEVICE_404", "Device not found", nil}
	case errors.Is(err, devices.ErrStillConnected):
		return apiError{http.StatusConflict, "DEVICE_409", "Device is still connected", nil}
	case errors.Is(err, link.ErrNotConnected):
		return apiError{http.StatusServiceUnavailable, "DEVICE_503", "Device not connected", nil}
	case errors.Is(err, schema.ErrNotFound):
		return apiError{http.StatusNotFound, "SCHEMA_404", "Device schema unknown", nil}
	case errors.As(err, &mismatch):
		return apiError{http.StatusUnprocessableEntity, "SCHEMA_422", "Message does not match schema", gin.H{
			"path":   mismatch.Path,
			"reason": mismatch.Reason,
		}}
	case errors.Is(err, proxy.ErrTimeout):
		return apiError{http.StatusGatewayTimeout, "TIMEOUT_504", "Device did not answer in time", nil}
	case errors.As(err, &remote):
		return apiError{http.StatusBadGateway, "REMOTE_502", "Device rejected the request", gin.H{"code": remote.Code.String()}}
	case errors.Is(err, codec.ErrTruncatedInput), errors.Is(err, codec.ErrMalformedInput),
		errors.Is(err, proxy.ErrUnexpectedResponse):
		return apiError{http.StatusBadGateway, "DECODE_502", "Device response could not be decoded", nil}
	case errors.Is(err, proxy.ErrAnchorNotFound):
		return apiError{http.StatusNotFound, "ANCHOR_404", "Anchor entry not found", nil}
	case errors.Is(err, link.ErrClosed):
		return apiError{http.StatusBadGateway, "TRANSPORT_502", "Transport unavailable", nil}
	default:
		return apiError{http.StatusInternalServerError, "INTERNAL_500", "Internal error", nil}
	}
}

func prefix(kind string) string {
	switch kind {
	case "device":
		return "DEVICE"
	default:
		return "PATH"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", e.code),
			zap.Error(err))
	}
	message := e.message + ": " + err.Error()
	c.JSON(e.status, types.NewErrorResponse(e.code, message, e.details))
}

func badRequest(c *gin.Context, code, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(code, message, err.Error()))
}
