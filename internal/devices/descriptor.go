package devices

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

// Descriptor is an interface control document: the endpoints and topics a device
// firmware exposes, written as yaml.
type Descriptor struct {
	ICD       ICDInfo                   `yaml:"icd" json:"icd"`
	Types     map[string]*schema.Schema `yaml:"types,omitempty" json:"types,omitempty"`
	Endpoints []EndpointSpec            `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	TopicsOut []TopicSpec               `yaml:"topics_out,omitempty" json:"topics_out,omitempty"`
	TopicsIn  []TopicSpec               `yaml:"topics_in,omitempty" json:"topics_in,omitempty"`
}

type ICDInfo struct {
	Name         string `yaml:"name" json:"name"`
	Version      string `yaml:"version,omitempty" json:"version,omitempty"`
	Manufacturer string `yaml:"manufacturer,omitempty" json:"manufacturer,omitempty"`
	Product      string `yaml:"product,omitempty" json:"product,omitempty"`
}

type EndpointSpec struct {
	Path     string         `yaml:"path" json:"path"`
	Request  *schema.Schema `yaml:"request" json:"request"`
	Response *schema.Schema `yaml:"response" json:"response"`
	Behavior BehaviorSpec   `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// BehaviorSpec tells a simulated device how to answer an endpoint.
type BehaviorSpec struct {
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Slot    string `yaml:"slot,omitempty" json:"slot,omitempty"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
	Value   any    `yaml:"value,omitempty" json:"value,omitempty"`
	Delay   string `yaml:"delay,omitempty" json:"delay,omitempty"`
	Code    string `yaml:"code,omitempty" json:"code,omitempty"`
	Log     string `yaml:"log,omitempty" json:"log,omitempty"`
}

type TopicSpec struct {
	Path     string         `yaml:"path" json:"path"`
	Message  *schema.Schema `yaml:"message" json:"message"`
	Interval string         `yaml:"interval,omitempty" json:"interval,omitempty"`
	Samples  []any          `yaml:"samples,omitempty" json:"samples,omitempty"`
}

// Behaviour types
const (
	BehaviorNoop     = "noop"
	BehaviorEcho     = "echo"
	BehaviorStore    = "store"
	BehaviorLoad     = "load"
	BehaviorSerial   = "serial"
	BehaviorConstant = "constant"
	BehaviorSilent   = "silent"
	BehaviorError    = "error"
)

// ICD is a descriptor with every type reference resolved and every literal lifted
// against its schema.
type ICD struct {
	Info      ICDInfo
	Endpoints []Endpoint
	TopicsOut []Topic
	TopicsIn  []Topic
	Report    *schema.Report
}

type Endpoint struct {
	Path        string
	Request     *schema.Schema
	Response    *schema.Schema
	RequestKey  schema.TypeKey
	ResponseKey schema.TypeKey
	Behavior    Behavior
}

type Behavior struct {
	Type    string
	Slot    string
	Default *codec.Value
	Value   *codec.Value
	Delay   time.Duration
	Code    string
	Log     string
}

type Topic struct {
	Path     string
	Message  *schema.Schema
	Key      schema.TypeKey
	Interval time.Duration
	Samples  []codec.Value
}

// Endpoint returns the compiled endpoint at path.
func (c *ICD) Endpoint(path string) (*Endpoint, bool) {
	for i := range c.Endpoints {
		if c.Endpoints[i].Path == path {
			return &c.Endpoints[i], true
		}
	}
	return nil, false
}

// TopicIn returns the compiled inbound topic at path.
func (c *ICD) TopicIn(path string) (*Topic, bool) {
	for i := range c.TopicsIn {
		if c.TopicsIn[i].Path == path {
			return &c.TopicsIn[i], true
		}
	}
	return nil, false
}

// Compile resolves references, checks every schema and literal, and builds the
// discovery report the device will answer with.
func (d *Descriptor) Compile() (*ICD, error) {
	c := &ICD{Info: d.ICD}
	r := &typeResolver{types: d.Types, done: make(map[string]*schema.Schema), active: make(map[string]bool)}

	var epDefs []schema.EndpointDef
	for _, ep := range d.Endpoints {
		req, err := r.resolve(ep.Request, ep.Path+" request")
		if err != nil {
			return nil, err
		}
		resp, err := r.resolve(ep.Response, ep.Path+" response")
		if err != nil {
			return nil, err
		}
		bh, err := compileBehavior(ep.Behavior, req, resp)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Path, err)
		}
		c.Endpoints = append(c.Endpoints, Endpoint{
			Path:        ep.Path,
			Request:     req,
			Response:    resp,
			RequestKey:  schema.KeyOf(req),
			ResponseKey: schema.KeyOf(resp),
			Behavior:    bh,
		})
		epDefs = append(epDefs, schema.EndpointDef{Path: ep.Path, Request: req, Response: resp})
	}

	var topicDefs []schema.TopicDef
	compileTopics := func(specs []TopicSpec, dir schema.Direction) ([]Topic, error) {
		var out []Topic
		for _, tp := range specs {
			msg, err := r.resolve(tp.Message, tp.Path+" message")
			if err != nil {
				return nil, err
			}
			topic := Topic{Path: tp.Path, Message: msg, Key: schema.KeyOf(msg)}
			if tp.Interval != "" {
				if topic.Interval, err = time.ParseDuration(tp.Interval); err != nil {
					return nil, fmt.Errorf("topic %s: invalid interval: %w", tp.Path, err)
				}
			}
			for i, sample := range tp.Samples {
				v, err := lift(msg, sample)
				if err != nil {
					return nil, fmt.Errorf("topic %s sample %d: %w", tp.Path, i, err)
				}
				topic.Samples = append(topic.Samples, v)
			}
			out = append(out, topic)
			topicDefs = append(topicDefs, schema.TopicDef{Path: tp.Path, Direction: dir, Message: msg})
		}
		return out, nil
	}

	var err error
	if c.TopicsOut, err = compileTopics(d.TopicsOut, schema.ToClient); err != nil {
		return nil, err
	}
	if c.TopicsIn, err = compileTopics(d.TopicsIn, schema.ToServer); err != nil {
		return nil, err
	}

	c.Report = schema.NewReport(epDefs, topicDefs)
	return c, nil
}

func compileBehavior(spec BehaviorSpec, req, resp *schema.Schema) (Behavior, error) {
	b := Behavior{Type: spec.Type, Slot: spec.Slot, Code: spec.Code, Log: spec.Log}
	if b.Type == "" {
		b.Type = BehaviorNoop
	}
	if spec.Delay != "" {
		d, err := time.ParseDuration(spec.Delay)
		if err != nil {
			return b, fmt.Errorf("invalid delay: %w", err)
		}
		b.Delay = d
	}

	switch b.Type {
	case BehaviorNoop, BehaviorStore:
		if resp.Kind != schema.KindUnit {
			return b, fmt.Errorf("%s behaviour needs a unit response, have %s", b.Type, schema.TypeName(resp))
		}
		if b.Type == BehaviorStore && b.Slot == "" {
			return b, fmt.Errorf("store behaviour needs a slot")
		}
	case BehaviorEcho:
		if !schema.StructurallyEqual(req, resp) {
			return b, fmt.Errorf("echo behaviour needs request and response of the same type")
		}
	case BehaviorLoad:
		if b.Slot == "" {
			return b, fmt.Errorf("load behaviour needs a slot")
		}
		if spec.Default != nil {
			v, err := lift(resp, spec.Default)
			if err != nil {
				return b, fmt.Errorf("default: %w", err)
			}
			b.Default = &v
		}
	case BehaviorSerial:
		if resp.Kind != schema.KindU64 {
			return b, fmt.Errorf("serial behaviour needs a u64 response, have %s", schema.TypeName(resp))
		}
	case BehaviorConstant:
		v, err := lift(resp, spec.Value)
		if err != nil {
			return b, fmt.Errorf("value: %w", err)
		}
		b.Value = &v
	case BehaviorSilent:
	case BehaviorError:
		if b.Code == "" {
			return b, fmt.Errorf("error behaviour needs a code")
		}
	default:
		return b, fmt.Errorf("unknown behaviour %q", b.Type)
	}
	return b, nil
}

// lift converts a yaml literal into a value of s, going through the JSON bridge.
func lift(s *schema.Schema, literal any) (codec.Value, error) {
	raw, err := json.Marshal(literal)
	if err != nil {
		return codec.Value{}, fmt.Errorf("failed to marshal literal: %w", err)
	}
	return codec.FromJSON(s, raw)
}

type typeResolver struct {
	types  map[string]*schema.Schema
	done   map[string]*schema.Schema
	active map[string]bool
}

// resolve returns a copy of s with every ref replaced by its declaration.
func (r *typeResolver) resolve(s *schema.Schema, where string) (*schema.Schema, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: missing type", where)
	}

	if s.Ref != "" {
		if done, ok := r.done[s.Ref]; ok {
			return done, nil
		}
		decl, ok := r.types[s.Ref]
		if !ok {
			return nil, fmt.Errorf("%s: unknown type %q", where, s.Ref)
		}
		if r.active[s.Ref] {
			return nil, fmt.Errorf("%s: recursive type %q", where, s.Ref)
		}
		r.active[s.Ref] = true
		out, err := r.resolve(decl, s.Ref)
		delete(r.active, s.Ref)
		if err != nil {
			return nil, err
		}
		if out.Name == "" {
			named := *out
			named.Name = s.Ref
			out = &named
		}
		r.done[s.Ref] = out
		return out, nil
	}

	out := *s
	var err error
	if s.Elem != nil {
		if out.Elem, err = r.resolve(s.Elem, where); err != nil {
			return nil, err
		}
	}
	if s.Key != nil {
		if out.Key, err = r.resolve(s.Key, where); err != nil {
			return nil, err
		}
	}
	if s.Value != nil {
		if out.Value, err = r.resolve(s.Value, where); err != nil {
			return nil, err
		}
	}
	if out.Elems, err = r.resolveList(s.Elems, where); err != nil {
		return nil, err
	}
	if out.Fields, err = r.resolveFields(s.Fields, where); err != nil {
		return nil, err
	}
	if len(s.Variants) > 0 {
		out.Variants = make([]schema.Variant, len(s.Variants))
		for i, v := range s.Variants {
			nv := v
			if v.Elem != nil {
				if nv.Elem, err = r.resolve(v.Elem, where); err != nil {
					return nil, err
				}
			}
			if nv.Elems, err = r.resolveList(v.Elems, where); err != nil {
				return nil, err
			}
			if nv.Fields, err = r.resolveFields(v.Fields, where); err != nil {
				return nil, err
			}
			out.Variants[i] = nv
		}
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return &out, nil
}

func (r *typeResolver) resolveList(in []*schema.Schema, where string) ([]*schema.Schema, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]*schema.Schema, len(in))
	for i, e := range in {
		var err error
		if out[i], err = r.resolve(e, where); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *typeResolver) resolveFields(in []schema.Field, where string) ([]schema.Field, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]schema.Field, len(in))
	for i, f := range in {
		t, err := r.resolve(f.Type, where+"."+f.Name)
		if err != nil {
			return nil, err
		}
		out[i] = schema.Field{Name: f.Name, Type: t}
	}
	return out, nil
}
