package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var (
	ErrNoMatch   = errors.New("no match")
	ErrAmbiguous = errors.New("ambiguous match")
)

// NoMatchError is returned when no candidate contains the fragment.
type NoMatchError struct {
	Kind     string
	Fragment string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no %s matches %q", e.Kind, e.Fragment)
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

// AmbiguousError lists every candidate the fragment matched.
type AmbiguousError struct {
	Kind       string
	Fragment   string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s %q is ambiguous, matches: %s", e.Kind, e.Fragment, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// Devices is the registry the resolver searches.
type Devices interface {
	ListDevices() []types.DeviceInfo
}

// Schemas yields the current schema generation of a device.
type Schemas interface {
	Snapshot(id types.DeviceID) (*schema.DeviceSchemaSet, error)
}

type kind int

const (
	kindEndpoint kind = iota
	kindTopicOut
	kindTopicIn
)

type memoKey struct {
	device     types.DeviceID
	generation uint64
	kind       kind
	fragment   string
}

// Resolver maps fuzzy fragments to concrete devices, endpoints and topics.
type Resolver struct {
	devices Devices
	schemas Schemas
	memo    *lru.Cache[memoKey, string]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(devices Devices, schemas Schemas, cacheSize int, logger *zap.Logger, m *metrics.Metrics) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	memo, err := lru.New[memoKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &Resolver{
		devices: devices,
		schemas: schemas,
		memo:    memo,
		logger:  logger,
		metrics: m,
	}, nil
}

// ResolveDevice matches fragment case-insensitively against serial hex and short name.
// A full 16-digit serial is an exact match.
func (r *Resolver) ResolveDevice(fragment string) (types.DeviceInfo, error) {
	devices := r.devices.ListDevices()
	needle := strings.ToUpper(strings.TrimSpace(fragment))
	if needle == "" {
		return types.DeviceInfo{}, &NoMatchError{Kind: "device", Fragment: fragment}
	}

	if id, err := types.ParseDeviceID(needle); err == nil {
		for _, d := range devices {
			if d.ID == id {
				return d, nil
			}
		}
	}

	var matches []types.DeviceInfo
	for _, d := range devices {
		if strings.Contains(d.ID.Hex(), needle) || strings.Contains(strings.ToUpper(d.Name), needle) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return types.DeviceInfo{}, &NoMatchError{Kind: "device", Fragment: fragment}
	case 1:
		return matches[0], nil
	}

	candidates := make([]string, 0, len(matches))
	for _, d := range matches {
		candidates = append(candidates, fmt.Sprintf("%s (%s)", d.ID.Hex(), d.Name))
	}
	sort.Strings(candidates)
	return types.DeviceInfo{}, &AmbiguousError{Kind: "device", Fragment: fragment, Candidates: candidates}
}

// ResolveEndpoint finds the single endpoint whose path contains fragment. The returned
// set is the generation the descriptor was taken from.
func (r *Resolver) ResolveEndpoint(id types.DeviceID, fragment string) (schema.EndpointDescriptor, *schema.DeviceSchemaSet, error) {
	set, err := r.schemas.Snapshot(id)
	if err != nil {
		return schema.EndpointDescriptor{}, nil, err
	}

	path, err := r.resolvePath(set, kindEndpoint, fragment, func() []string {
		eps := set.Endpoints()
		paths := make([]string, len(eps))
		for i, ep := range eps {
			paths[i] = ep.Path
		}
		return paths
	})
	if err != nil {
		return schema.EndpointDescriptor{}, set, err
	}

	ep, _ := set.Endpoint(path)
	return ep, set, nil
}

// ResolveTopic is ResolveEndpoint for topics of one direction.
func (r *Resolver) ResolveTopic(id types.DeviceID, fragment string, dir schema.Direction) (schema.TopicDescriptor, *schema.DeviceSchemaSet, error) {
	set, err := r.schemas.Snapshot(id)
	if err != nil {
		return schema.TopicDescriptor{}, nil, err
	}

	k := kindTopicIn
	if dir == schema.ToClient {
		k = kindTopicOut
	}
	path, err := r.resolvePath(set, k, fragment, func() []string {
		tps := set.Topics(dir)
		paths := make([]string, len(tps))
		for i, tp := range tps {
			paths[i] = tp.Path
		}
		return paths
	})
	if err != nil {
		return schema.TopicDescriptor{}, set, err
	}

	tp, _ := set.Topic(path, dir)
	return tp, set, nil
}

func (r *Resolver) resolvePath(set *schema.DeviceSchemaSet, k kind, fragment string, paths func() []string) (string, error) {
	key := memoKey{device: set.Device, generation: set.Generation, kind: k, fragment: fragment}
	if path, ok := r.memo.Get(key); ok {
		r.metrics.ResolverLookup(true)
		return path, nil
	}
	r.metrics.ResolverLookup(false)

	label := "endpoint"
	if k != kindEndpoint {
		label = "topic"
	}

	path, err := match(paths(), fragment, label)
	if err != nil {
		r.logger.Debug("Path resolution failed",
			zap.String("device", set.Device.Hex()),
			zap.String("fragment", fragment),
			zap.Error(err))
		return "", err
	}
	r.memo.Add(key, path)
	return path, nil
}

// match is a literal, case-sensitive substring search that never picks among several hits.
func match(paths []string, fragment, label string) (string, error) {
	var matches []string
	for _, p := range paths {
		if strings.Contains(p, fragment) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return "", &NoMatchError{Kind: label, Fragment: fragment}
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", &AmbiguousError{Kind: label, Fragment: fragment, Candidates: matches}
}
