// Package registry builds and stores the per-device widget registry: the
// pin/name/id indexes the bridge uses to translate telemetry and commands.
package registry

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/entity"
)

// Registry indexes one device page's streams three ways. Streams with
// duplicate pins or names are tolerated: the later stream in page order
// wins and a warning is logged, per §4.3 — the vendor page has been
// observed to contain benign duplicates.
type Registry struct {
	ByID   map[int]entity.Stream
	ByName map[string]entity.Stream
	ByPin  map[string]entity.Stream
}

// Build produces a Registry from a device page. It is a pure function: the
// same page always yields the same registry.
func Build(page *entity.DevicePage, log *zap.Logger) *Registry {
	r := &Registry{
		ByID:   make(map[int]entity.Stream),
		ByName: make(map[string]entity.Stream),
		ByPin:  make(map[string]entity.Stream),
	}
	for _, stream := range page.Streams() {
		if _, dup := r.ByID[stream.ID]; dup {
			log.Warn("registry: duplicate stream id", zap.Int("id", stream.ID), zap.String("name", stream.Name))
		}
		r.ByID[stream.ID] = stream

		if _, dup := r.ByName[stream.Name]; dup {
			log.Warn("registry: duplicate stream name", zap.String("name", stream.Name))
		}
		r.ByName[stream.Name] = stream

		if _, dup := r.ByPin[stream.Pin]; dup {
			log.Warn("registry: duplicate stream pin", zap.String("pin", stream.Pin), zap.String("name", stream.Name))
		}
		r.ByPin[stream.Pin] = stream
	}
	return r
}

// CurrentMax returns the "Current max" widget's value if present and > 0,
// else the default bound used for the Current number entity (§4.4).
func (r *Registry) CurrentMax(defaultMax float64) float64 {
	stream, ok := r.ByName["Current max"]
	if !ok {
		return defaultMax
	}
	v, err := strconv.ParseFloat(stream.Visualization.Value, 64)
	if err != nil || v <= 0 {
		return defaultMax
	}
	return v
}

// Store is the thread-safe per-device registry table the bridge holds.
// Writes happen only from the session read loop; reads may come from the
// MQTT command-dispatch path concurrently, hence the RWMutex.
type Store struct {
	mu   sync.RWMutex
	byID map[int]*Registry
}

// NewStore constructs an empty registry table.
func NewStore() *Store {
	return &Store{byID: make(map[int]*Registry)}
}

// Set installs (or rebuilds) the registry for a device, e.g. on reconnect.
func (s *Store) Set(deviceID int, r *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[deviceID] = r
}

// Get returns the registry for a device, or nil if none has been built yet.
func (s *Store) Get(deviceID int) *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[deviceID]
}

// Devices returns the ids of all devices with a built registry.
func (s *Store) Devices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	return out
}
