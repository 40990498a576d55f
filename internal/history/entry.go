package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

type Category int

const (
	EndpointRequest Category = iota
	EndpointResponse
	TopicIn
	TopicOut
	Log
)

// Categories lists every category in declaration order.
var Categories = []Category{EndpointRequest, EndpointResponse, TopicIn, TopicOut, Log}

func (c Category) String() string {
	switch c {
	case EndpointRequest:
		return "endpoint_request"
	case EndpointResponse:
		return "endpoint_response"
	case TopicIn:
		return "topic_in"
	case TopicOut:
		return "topic_out"
	case Log:
		return "log"
	default:
		return "unknown"
	}
}

func (c Category) valid() bool {
	return c >= EndpointRequest && c <= Log
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown history category %q", s)
}

// Entry is one recorded message. Entries are never modified after Append.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Device    types.DeviceID `json:"device"`
	Category  Category       `json:"category"`
	Path      string         `json:"path"`
	Key       schema.TypeKey `json:"key"`
	Payload   []byte         `json:"payload"`
	Seq       uint64         `json:"seq"`
}

// Size is what retention accounts for.
func (e *Entry) Size() int64 {
	return int64(len(e.Path) + len(e.Payload))
}

// RetentionPolicy bounds a log. A zero MaxBytes means unlimited.
type RetentionPolicy struct {
	MaxBytes int64
}

func Unlimited() RetentionPolicy { return RetentionPolicy{} }

func FifoBytes(n int64) RetentionPolicy { return RetentionPolicy{MaxBytes: n} }

func (p RetentionPolicy) Bounded() bool { return p.MaxBytes > 0 }

func (p RetentionPolicy) String() string {
	if !p.Bounded() {
		return "unlimited"
	}
	return fmt.Sprintf("fifo_bytes(%d)", p.MaxBytes)
}

type Direction int

const (
	Before Direction = iota
	After
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	}
	return 0, fmt.Errorf("unknown direction %q, want before or after", s)
}

type LogStats struct {
	Count   int    `json:"count"`
	Bytes   int64  `json:"bytes"`
	Evicted uint64 `json:"evicted"`
	NextSeq uint64 `json:"next_seq"`
}
