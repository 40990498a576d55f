package schema

import (
	"fmt"
	"sort"
	"time"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Direction of a topic relative to the gateway.
type Direction int

// The device is the server: ToServer topics flow into the device (topics in),
// ToClient topics are published by the device (topics out).
const (
	ToServer Direction = iota
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "in"
	case ToClient:
		return "out"
	default:
		return "unknown"
	}
}

// ParseDirection accepts the REST spellings "out"/"in" and the long names.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in", "to_server", "topic_in":
		return ToServer, nil
	case "out", "to_client", "topic_out":
		return ToClient, nil
	}
	return 0, fmt.Errorf("unknown topic direction %q", s)
}

type EndpointDescriptor struct {
	Path        string  `json:"path"`
	RequestKey  TypeKey `json:"request_key"`
	ResponseKey TypeKey `json:"response_key"`
}

type TopicDescriptor struct {
	Path      string    `json:"path"`
	Key       TypeKey   `json:"key"`
	Direction Direction `json:"-"`
}

type TypeEntry struct {
	Key    TypeKey `json:"key"`
	Schema *Schema `json:"schema"`
}

// Report is what a device answers to a discovery pass.
type Report struct {
	Types     []TypeEntry          `json:"types"`
	Endpoints []EndpointDescriptor `json:"endpoints"`
	Topics    []TopicDescriptor    `json:"topics"`
}

type EndpointDef struct {
	Path     string
	Request  *Schema
	Response *Schema
}

type TopicDef struct {
	Path      string
	Direction Direction
	Message   *Schema
}

// NewReport builds a report from schema definitions, deriving every key with KeyOf.
func NewReport(endpoints []EndpointDef, topics []TopicDef) *Report {
	r := &Report{}
	seen := make(map[TypeKey]bool)
	add := func(s *Schema) TypeKey {
		k := KeyOf(s)
		if !seen[k] {
			seen[k] = true
			r.Types = append(r.Types, TypeEntry{Key: k, Schema: s})
		}
		return k
	}

	for _, ep := range endpoints {
		r.Endpoints = append(r.Endpoints, EndpointDescriptor{
			Path:        ep.Path,
			RequestKey:  add(ep.Request),
			ResponseKey: add(ep.Response),
		})
	}
	for _, tp := range topics {
		r.Topics = append(r.Topics, TopicDescriptor{
			Path:      tp.Path,
			Key:       add(tp.Message),
			Direction: tp.Direction,
		})
	}
	return r
}

// DeviceSchemaSet is one immutable discovery generation of a device.
type DeviceSchemaSet struct {
	Device       types.DeviceID
	Generation   uint64
	DiscoveredAt time.Time

	types     map[TypeKey]*Schema
	endpoints []EndpointDescriptor
	topicsIn  []TopicDescriptor
	topicsOut []TopicDescriptor
}

func (s *DeviceSchemaSet) Type(key TypeKey) (*Schema, bool) {
	t, ok := s.types[key]
	return t, ok
}

func (s *DeviceSchemaSet) Endpoints() []EndpointDescriptor {
	out := make([]EndpointDescriptor, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

func (s *DeviceSchemaSet) Endpoint(path string) (EndpointDescriptor, bool) {
	for _, ep := range s.endpoints {
		if ep.Path == path {
			return ep, true
		}
	}
	return EndpointDescriptor{}, false
}

func (s *DeviceSchemaSet) Topics(dir Direction) []TopicDescriptor {
	src := s.topicsIn
	if dir == ToClient {
		src = s.topicsOut
	}
	out := make([]TopicDescriptor, len(src))
	copy(out, src)
	return out
}

func (s *DeviceSchemaSet) Topic(path string, dir Direction) (TopicDescriptor, bool) {
	src := s.topicsIn
	if dir == ToClient {
		src = s.topicsOut
	}
	for _, tp := range src {
		if tp.Path == path {
			return tp, true
		}
	}
	return TopicDescriptor{}, false
}

// Types lists the non-primitive types, sorted by name then key.
func (s *DeviceSchemaSet) Types() []TypeEntry {
	out := make([]TypeEntry, 0, len(s.types))
	for k, t := range s.types {
		if t.Kind.IsPrimitive() {
			continue
		}
		out = append(out, TypeEntry{Key: k, Schema: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schema.Name != out[j].Schema.Name {
			return out[i].Schema.Name < out[j].Schema.Name
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
