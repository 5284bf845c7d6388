// Package model defines the entity kinds that make up the shared tactical
// picture. Every entity carries an identity unique within its kind, an
// origin and a last-update timestamp; the store relies on those three for
// merge and expiry decisions.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Origin tells whether an entity was observed by the local telemetry
// source or received from a peer over the broadcast domain.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginPeer  Origin = "peer"
)

// Kind discriminates entity categories within the store.
type Kind string

const (
	KindPlayer    Kind = "player"
	KindAirfield  Kind = "airfield"
	KindPOI       Kind = "point_of_interest"
	KindWaypoints Kind = "waypoints"
	KindFormation Kind = "formation"
	KindChat      Kind = "team_chat"
)

// LocalPlayerID is the reserved identity of the single local-origin player.
const LocalPlayerID = "_local"

// MaxWaypoints bounds the size of a waypoint set accepted from a command.
const MaxWaypoints = 64

// ErrInvalidEntity is returned when an entity fails structural validation.
var ErrInvalidEntity = errors.New("invalid entity")

// Point is a position in the normalized [0,1] map coordinate space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TrailPoint is one breadcrumb of a player's recent path.
type TrailPoint struct {
	X float64   `json:"x"`
	Y float64   `json:"y"`
	T time.Time `json:"t"`
}

// Entity is the common surface the store needs from every kind.
type Entity interface {
	Kind() Kind
	// Key is the identity of the entity, unique within its kind.
	Key() string
	// Sender is the callsign that owns the entity, used as the
	// deterministic tie-break when two updates carry equal timestamps.
	Sender() string
	Stamp() time.Time
	Validate() error
}

// Player is a live aircraft position with extended telemetry.
type Player struct {
	ID       string  `json:"id"`
	Callsign string  `json:"callsign"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	Altitude float64 `json:"alt"`
	Speed    float64 `json:"spd"`
	Vehicle  string  `json:"vehicle"`
	Color    string  `json:"color"`

	Origin     Origin       `json:"origin"`
	LastUpdate time.Time    `json:"lastUpdate"`
	Trail      []TrailPoint `json:"trail,omitempty"`
}

func (p Player) Kind() Kind       { return KindPlayer }
func (p Player) Key() string      { return p.ID }
func (p Player) Sender() string   { return p.Callsign }
func (p Player) Stamp() time.Time { return p.LastUpdate }

func (p Player) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: player without id", ErrInvalidEntity)
	}
	if err := checkNormalized(p.X, p.Y); err != nil {
		return fmt.Errorf("%w: player %s: %v", ErrInvalidEntity, p.ID, err)
	}
	return nil
}

// Airfield is a runway detected locally or shared by a peer.
type Airfield struct {
	ID        string  `json:"id"`
	Callsign  string  `json:"callsign"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Angle     float64 `json:"angle"`
	Length    float64 `json:"len"`
	IsCarrier bool    `json:"is_cv"`
	Color     string  `json:"color"`
	// Elevation is the runway elevation in meters when the registry
	// knows it, nil otherwise.
	Elevation *float64 `json:"elevation,omitempty"`

	Origin     Origin    `json:"origin"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (a Airfield) Kind() Kind       { return KindAirfield }
func (a Airfield) Key() string      { return a.ID }
func (a Airfield) Sender() string   { return a.Callsign }
func (a Airfield) Stamp() time.Time { return a.LastUpdate }

func (a Airfield) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: airfield without id", ErrInvalidEntity)
	}
	if err := checkNormalized(a.X, a.Y); err != nil {
		return fmt.Errorf("%w: airfield %s: %v", ErrInvalidEntity, a.ID, err)
	}
	return nil
}

// PointOfInterest is a map mark placed by a pilot. POIs have no TTL and
// are only removed by explicit owner action.
type PointOfInterest struct {
	ID    string  `json:"id"`
	Owner string  `json:"owner"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Icon  string  `json:"icon"`
	Color string  `json:"color"`

	Origin     Origin    `json:"origin"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (p PointOfInterest) Kind() Kind       { return KindPOI }
func (p PointOfInterest) Key() string      { return p.ID }
func (p PointOfInterest) Sender() string   { return p.Owner }
func (p PointOfInterest) Stamp() time.Time { return p.LastUpdate }

func (p PointOfInterest) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: poi without id", ErrInvalidEntity)
	}
	if err := checkNormalized(p.X, p.Y); err != nil {
		return fmt.Errorf("%w: poi %s: %v", ErrInvalidEntity, p.ID, err)
	}
	return nil
}

// WaypointSet is a planned route owned by one sender. A newer set fully
// supersedes the prior one; there is no partial merge.
type WaypointSet struct {
	Owner  string  `json:"owner"`
	Points []Point `json:"points"`

	Origin     Origin    `json:"origin"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (w WaypointSet) Kind() Kind       { return KindWaypoints }
func (w WaypointSet) Key() string      { return w.Owner }
func (w WaypointSet) Sender() string   { return w.Owner }
func (w WaypointSet) Stamp() time.Time { return w.LastUpdate }

func (w WaypointSet) Validate() error {
	if w.Owner == "" {
		return fmt.Errorf("%w: waypoint set without owner", ErrInvalidEntity)
	}
	if len(w.Points) > MaxWaypoints {
		return fmt.Errorf("%w: waypoint set of %d exceeds limit %d", ErrInvalidEntity, len(w.Points), MaxWaypoints)
	}
	for i, pt := range w.Points {
		if err := checkNormalized(pt.X, pt.Y); err != nil {
			return fmt.Errorf("%w: waypoint %d: %v", ErrInvalidEntity, i, err)
		}
	}
	return nil
}

// FormationFlag marks a sender as flying in formation.
type FormationFlag struct {
	Owner string `json:"owner"`
	Value bool   `json:"value"`

	Origin     Origin    `json:"origin"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (f FormationFlag) Kind() Kind       { return KindFormation }
func (f FormationFlag) Key() string      { return f.Owner }
func (f FormationFlag) Sender() string   { return f.Owner }
func (f FormationFlag) Stamp() time.Time { return f.LastUpdate }

func (f FormationFlag) Validate() error {
	if f.Owner == "" {
		return fmt.Errorf("%w: formation flag without owner", ErrInvalidEntity)
	}
	return nil
}

// ChatMessage is one line of team chat. Identity is (sender, timestamp);
// messages are append-only within a bounded retention window.
type ChatMessage struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	Origin Origin `json:"origin"`
}

// ChatMessage deliberately does not implement Entity: chat is append-only
// and never merged, so it bypasses the last-write-wins path entirely.

func (c ChatMessage) Kind() Kind  { return KindChat }
func (c ChatMessage) Key() string { return fmt.Sprintf("%s_%d", c.Sender, c.Timestamp.UnixMilli()) }

func (c ChatMessage) Validate() error {
	if c.Sender == "" {
		return fmt.Errorf("%w: chat message without sender", ErrInvalidEntity)
	}
	return nil
}

// MapInfo carries the game map bounds and grid reference published by the
// telemetry source. It travels with snapshots so consumers can convert
// normalized coordinates at render time.
type MapInfo struct {
	MapMin    []float64 `json:"map_min,omitempty"`
	MapMax    []float64 `json:"map_max,omitempty"`
	GridSize  []float64 `json:"grid_size,omitempty"`
	GridSteps []float64 `json:"grid_steps,omitempty"`
	GridZero  []float64 `json:"grid_zero,omitempty"`
}

// Valid reports whether the map bounds are usable.
func (m MapInfo) Valid() bool {
	return len(m.MapMin) >= 2 && len(m.MapMax) >= 2
}

func checkNormalized(x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) {
		return errors.New("coordinate is NaN")
	}
	if x < 0 || x > 1 || y < 0 || y > 1 {
		return fmt.Errorf("coordinate (%v,%v) outside [0,1]", x, y)
	}
	return nil
}
