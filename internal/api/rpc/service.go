package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

type GatewayService struct {
	lm     interfaces.LifecycleManager
	logger *zap.Logger
}

var _ GatewayServer = (*GatewayService)(nil)

func NewGatewayService(lm interfaces.LifecycleManager, logger *zap.Logger) *GatewayService {
	return &GatewayService{lm: lm, logger: logger}
}

// ListDevices returns {devices: [...]}.
func (s *GatewayService) ListDevices(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	devs := s.lm.DeviceManager().ListDevices()
	return toStruct(map[string]any{"devices": devs, "count": len(devs)})
}

// ListEndpoints takes {device} and returns the endpoints of its current schema.
func (s *GatewayService) ListEndpoints(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	dev, err := s.lm.Resolver().ResolveDevice(str(in, "device"))
	if err != nil {
		return nil, s.toStatus("ListEndpoints", err)
	}
	set, err := s.lm.Schemas().Snapshot(dev.ID)
	if err != nil {
		return nil, s.toStatus("ListEndpoints", err)
	}

	eps := make([]map[string]any, 0)
	for _, ep := range set.Endpoints() {
		req, _ := set.Type(ep.RequestKey)
		resp, _ := set.Type(ep.ResponseKey)
		eps = append(eps, map[string]any{
			"path":          ep.Path,
			"request_key":   ep.RequestKey,
			"response_key":  ep.ResponseKey,
			"request_type":  schema.TypeName(req),
			"response_type": schema.TypeName(resp),
		})
	}
	return toStruct(map[string]any{
		"device":     dev,
		"generation": set.Generation,
		"endpoints":  eps,
	})
}

// CallEndpoint takes {device, path, message?, timeout_ms?}. The response is returned
// both as a struct value and as the exact JSON text, which keeps 64-bit integers intact.
func (s *GatewayService) CallEndpoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := message(in)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(num(in, "timeout_ms")) * time.Millisecond

	res, err := s.lm.Dispatcher().CallEndpoint(ctx, str(in, "device"), str(in, "path"), msg, timeout)
	if err != nil {
		return nil, s.toStatus("CallEndpoint", err)
	}
	return toStruct(map[string]any{
		"device":        res.Device,
		"path":          res.Path,
		"seq":           res.Seq,
		"response":      res.JSON,
		"response_json": string(res.JSON),
		"elapsed_ms":    res.Elapsed.Milliseconds(),
	})
}

// PublishTopic takes {device, path, message}.
func (s *GatewayService) PublishTopic(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := message(in)
	if err != nil {
		return nil, err
	}
	ack, err := s.lm.Dispatcher().PublishTopic(ctx, str(in, "device"), str(in, "path"), msg)
	if err != nil {
		return nil, s.toStatus("PublishTopic", err)
	}
	return toStruct(ack)
}

// QueryHistory takes {device, category, count?} plus either {from, to} or
// {anchor, direction} and returns {messages: [...]}.
func (s *GatewayService) QueryHistory(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cat, err := history.ParseCategory(str(in, "category"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	device := str(in, "device")
	count := int(num(in, "count"))
	d := s.lm.Dispatcher()

	var msgs []proxy.Message
	switch {
	case str(in, "anchor") != "":
		anchor, err := uuid.Parse(str(in, "anchor"))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "anchor: %v", err)
		}
		dirName := str(in, "direction")
		if dirName == "" {
			dirName = "before"
		}
		dir, err := history.ParseDirection(dirName)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		_, msgs, err = d.HistoryAnchored(device, cat, anchor, count, dir)
		if err != nil {
			return nil, s.toStatus("QueryHistory", err)
		}

	case has(in, "from") || has(in, "to"):
		from := uint64(num(in, "from"))
		to := ^uint64(0)
		if has(in, "to") {
			to = uint64(num(in, "to"))
		}
		_, msgs, err = d.HistoryRange(device, cat, from, to)
		if err != nil {
			return nil, s.toStatus("QueryHistory", err)
		}

	default:
		_, msgs, err = d.History(device, cat, count)
		if err != nil {
			return nil, s.toStatus("QueryHistory", err)
		}
	}

	return toStruct(map[string]any{
		"category": cat,
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *GatewayService) toStatus(method string, err error) error {
	code := classify(err)
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Warn("Gateway call failed",
			zap.String("method", method),
			zap.Error(err))
	}
	return status.Error(code, err.Error())
}

func classify(err error) codes.Code {
	var mismatch *codec.MismatchError
	switch {
	case errors.Is(err, resolver.ErrNoMatch),
		errors.Is(err, devices.ErrUnknownDevice),
		errors.Is(err, schema.ErrNotFound),
		errors.Is(err, proxy.ErrAnchorNotFound):
		return codes.NotFound
	case errors.Is(err, resolver.ErrAmbiguous):
		return codes.FailedPrecondition
	case errors.As(err, &mismatch):
		return codes.InvalidArgument
	case errors.Is(err, proxy.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, proxy.ErrRemote):
		return codes.Aborted
	case errors.Is(err, codec.ErrTruncatedInput), errors.Is(err, codec.ErrMalformedInput),
		errors.Is(err, proxy.ErrUnexpectedResponse):
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// message returns the "message" field as JSON. A missing field is a unit message.
func message(in *structpb.Struct) (json.RawMessage, error) {
	v, ok := in.GetFields()["message"]
	if !ok {
		return nil, nil
	}
	data, err := protojson.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "message: %v", err)
	}
	return data, nil
}

func has(in *structpb.Struct, key string) bool {
	_, ok := in.GetFields()[key]
	return ok
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) float64 {
	return in.GetFields()[key].GetNumberValue()
}
