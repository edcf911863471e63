// Package roadnet provides the read-only road-network lookup the
// spatio-temporal and threshold processors use to turn a connection id
// into node geometry, posted speed, and length.
package roadnet

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/security"
)

// Connection describes one road segment: its ordered node geometry and
// posted maximum speed.
type Connection struct {
	ID          string          `json:"id"`
	MaxSpeedMPS float64         `json:"max_speed_mps"`
	Nodes       []fcd.Position  `json:"nodes"`
}

// Map is the read-only interface a scenario's road-network data source
// must satisfy. Nodes are returned in traversal order so consumers can
// sum inter-node distances to obtain a usable length.
type Map interface {
	GetConnection(id string) (Connection, bool)
	ConnectionIDs() []string
}

// LengthMeters sums the great-circle distance between consecutive nodes
// of a connection. This is preferred over any stored length field,
// which the underlying scenario data is known to report inaccurately.
func LengthMeters(c Connection) float64 {
	if len(c.Nodes) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(c.Nodes); i++ {
		total += Distance(c.Nodes[i-1], c.Nodes[i])
	}
	return total
}

// Meta converts a Connection into the fcd.ConnectionMeta the processors
// consume, computing length from node geometry.
func Meta(c Connection) fcd.ConnectionMeta {
	return fcd.ConnectionMeta{
		ConnectionID: c.ID,
		MaxSpeedMPS:  c.MaxSpeedMPS,
		LengthMeters: LengthMeters(c),
	}
}

// StaticMap is a Map backed by a fixed, JSON-loaded connection table.
// It is the default implementation for tests and for standalone runs
// against a scenario's exported road network.
type StaticMap struct {
	connections map[string]Connection
}

// NewStaticMap builds a StaticMap from an explicit connection list, for
// programmatic construction (e.g. in tests).
func NewStaticMap(conns []Connection) *StaticMap {
	m := &StaticMap{connections: make(map[string]Connection, len(conns))}
	for _, c := range conns {
		m.connections[c.ID] = c
	}
	return m
}

// LoadStaticMap reads a JSON file containing an array of Connection
// values and builds a StaticMap from it. The path is required to resolve
// within the current working directory, so a road-network path sourced
// from a config file can't be used to read arbitrary files off disk.
func LoadStaticMap(path string) (*StaticMap, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("roadnet: resolving working directory: %w", err)
	}
	if err := security.ValidatePathWithinDirectory(path, cwd); err != nil {
		return nil, fmt.Errorf("roadnet: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roadnet: reading %s: %w", path, err)
	}
	var conns []Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("roadnet: parsing %s: %w", path, err)
	}
	return NewStaticMap(conns), nil
}

// GetConnection implements Map.
func (m *StaticMap) GetConnection(id string) (Connection, bool) {
	c, ok := m.connections[id]
	return c, ok
}

// ConnectionIDs implements Map.
func (m *StaticMap) ConnectionIDs() []string {
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}
