// Package store is the single source of truth for the shared tactical
// picture. All mutation — local telemetry upserts, peer receipts, command
// results, staleness sweeps — goes through one critical section; readers
// get deep-copied snapshots and never hold references into the internals.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/link18/tacsync/internal/model"
)

// Config carries the merge and retention policy.
type Config struct {
	// PeerTTL is the inactivity window after which peer players and
	// airfields are swept.
	PeerTTL time.Duration
	// TrailDuration bounds how far back player breadcrumbs are kept.
	TrailDuration time.Duration
	// ChatMaxMessages and ChatWindow bound the chat ring.
	ChatMaxMessages int
	ChatWindow      time.Duration
}

// DefaultConfig matches the protocol constants every instance shares.
func DefaultConfig() Config {
	return Config{
		PeerTTL:         60 * time.Second,
		TrailDuration:   30 * time.Second,
		ChatMaxMessages: 100,
		ChatWindow:      10 * time.Minute,
	}
}

// trailResetDistance is the normalized jump beyond which a player is
// considered respawned and its trail restarted.
const trailResetDistance = 0.05

// Store holds all entity records, keyed by identity within each kind.
type Store struct {
	cfg Config

	mu         sync.Mutex
	players    map[string]*model.Player
	airfields  map[string]*model.Airfield
	pois       map[string]*model.PointOfInterest
	waypoints  map[string]*model.WaypointSet
	formations map[string]*model.FormationFlag
	chat       []model.ChatMessage
	mapInfo    model.MapInfo

	upserts  metric.Int64Counter
	discards metric.Int64Counter
	sweeps   metric.Int64Counter
}

// New creates an empty store with the given policy.
func New(cfg Config) *Store {
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultConfig().PeerTTL
	}
	if cfg.ChatMaxMessages <= 0 {
		cfg.ChatMaxMessages = DefaultConfig().ChatMaxMessages
	}
	if cfg.ChatWindow <= 0 {
		cfg.ChatWindow = DefaultConfig().ChatWindow
	}
	if cfg.TrailDuration <= 0 {
		cfg.TrailDuration = DefaultConfig().TrailDuration
	}

	m := meter()
	return &Store{
		cfg:        cfg,
		players:    make(map[string]*model.Player),
		airfields:  make(map[string]*model.Airfield),
		pois:       make(map[string]*model.PointOfInterest),
		waypoints:  make(map[string]*model.WaypointSet),
		formations: make(map[string]*model.FormationFlag),
		upserts:    newCounter(m, "store.upserts", "Entity upserts applied"),
		discards:   newCounter(m, "store.discards", "Entity upserts discarded by last-write-wins"),
		sweeps:     newCounter(m, "store.sweeps", "Entities removed by staleness sweep"),
	}
}

// Upsert applies one entity under last-write-wins. An update with an
// older timestamp than the stored record for the same identity is
// discarded; equal timestamps tie-break on lexical sender comparison so
// every instance converges to the same record regardless of arrival
// order. Structurally invalid entities are rejected and never stored.
func (s *Store) Upsert(e model.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := false
	switch v := e.(type) {
	case model.Player:
		if prev := s.players[v.ID]; prev == nil || supersedes(v, prev) {
			v.Trail = s.extendTrail(prev, v)
			s.players[v.ID] = &v
			applied = true
		}
	case model.Airfield:
		if cur, ok := s.airfields[v.ID]; !ok || supersedes(v, cur) {
			s.airfields[v.ID] = &v
			applied = true
		}
	case model.PointOfInterest:
		if cur, ok := s.pois[v.ID]; !ok || supersedes(v, cur) {
			s.pois[v.ID] = &v
			applied = true
		}
	case model.WaypointSet:
		if cur, ok := s.waypoints[v.Owner]; !ok || supersedes(v, cur) {
			v.Points = slices.Clone(v.Points)
			s.waypoints[v.Owner] = &v
			applied = true
		}
	case model.FormationFlag:
		if cur, ok := s.formations[v.Owner]; !ok || supersedes(v, cur) {
			s.formations[v.Owner] = &v
			applied = true
		}
	}

	attrs := metric.WithAttributes(attribute.String("kind", string(e.Kind())))
	if applied {
		s.upserts.Add(context.Background(), 1, attrs)
	} else {
		s.discards.Add(context.Background(), 1, attrs)
	}
	return nil
}

// Remove deletes an entity by kind and identity. Returns whether a
// record was actually removed.
func (s *Store) Remove(kind model.Kind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case model.KindPlayer:
		if _, ok := s.players[id]; ok {
			delete(s.players, id)
			return true
		}
	case model.KindAirfield:
		if _, ok := s.airfields[id]; ok {
			delete(s.airfields, id)
			return true
		}
	case model.KindPOI:
		if _, ok := s.pois[id]; ok {
			delete(s.pois, id)
			return true
		}
	case model.KindWaypoints:
		if _, ok := s.waypoints[id]; ok {
			delete(s.waypoints, id)
			return true
		}
	case model.KindFormation:
		if _, ok := s.formations[id]; ok {
			delete(s.formations, id)
			return true
		}
	}
	return false
}

// RemoveLocalPlayer drops the local player record. Called when the
// telemetry source reports no active session.
func (s *Store) RemoveLocalPlayer() bool {
	return s.Remove(model.KindPlayer, model.LocalPlayerID)
}

// AddChat appends one chat message and enforces the retention bound.
// Chat identity is (sender, timestamp); a redelivered datagram with the
// same identity is dropped so duplicates never reach a snapshot.
func (s *Store) AddChat(c model.ChatMessage) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Key()
	for _, have := range s.chat {
		if have.Key() == key {
			return nil
		}
	}
	s.chat = append(s.chat, c)
	s.pruneChatLocked(time.Now())
	return nil
}

// SetMapInfo records the map bounds published by the telemetry source.
func (s *Store) SetMapInfo(mi model.MapInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapInfo = mi
}

// Sweep removes peer players and airfields silent for longer than the
// TTL, and chat outside the retention window. POIs and waypoint sets are
// never swept. Monotonic: only a fresh upsert revives an entity.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.players {
		if p.Origin == model.OriginPeer && now.Sub(p.LastUpdate) > s.cfg.PeerTTL {
			delete(s.players, id)
			removed++
		}
	}
	for id, a := range s.airfields {
		if a.Origin == model.OriginPeer && now.Sub(a.LastUpdate) > s.cfg.PeerTTL {
			delete(s.airfields, id)
			removed++
		}
	}
	s.pruneChatLocked(now)

	if removed > 0 {
		s.sweeps.Add(context.Background(), int64(removed))
	}
	return removed
}

// Counts reports record counts per kind, for diagnostics.
type Counts struct {
	Players    int `json:"players"`
	Airfields  int `json:"airfields"`
	POIs       int `json:"pois"`
	Waypoints  int `json:"waypoints"`
	Formations int `json:"formations"`
	Chat       int `json:"chat"`
}

// Counts returns current record counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Players:    len(s.players),
		Airfields:  len(s.airfields),
		POIs:       len(s.pois),
		Waypoints:  len(s.waypoints),
		Formations: len(s.formations),
		Chat:       len(s.chat),
	}
}

func (s *Store) pruneChatLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.ChatWindow)
	kept := s.chat[:0]
	for _, c := range s.chat {
		if c.Timestamp.After(cutoff) {
			kept = append(kept, c)
		}
	}
	s.chat = kept
	if over := len(s.chat) - s.cfg.ChatMaxMessages; over > 0 {
		s.chat = slices.Clone(s.chat[over:])
	}
}

// extendTrail carries the previous trail onto an incoming player record,
// restarting it when the position jumped (respawn) and pruning old points.
func (s *Store) extendTrail(prev *model.Player, next model.Player) []model.TrailPoint {
	var trail []model.TrailPoint
	if prev != nil {
		trail = prev.Trail
		if n := len(trail); n > 0 {
			dx := next.X - trail[n-1].X
			dy := next.Y - trail[n-1].Y
			if dx*dx+dy*dy > trailResetDistance*trailResetDistance {
				trail = nil
			}
		}
	}

	trail = append(slices.Clone(trail), model.TrailPoint{X: next.X, Y: next.Y, T: next.LastUpdate})

	cutoff := next.LastUpdate.Add(-s.cfg.TrailDuration)
	kept := trail[:0]
	for _, tp := range trail {
		if tp.T.After(cutoff) {
			kept = append(kept, tp)
		}
	}
	return kept
}

// supersedes implements last-write-wins with the deterministic
// equal-timestamp tie-break (lexically greater sender wins).
func supersedes(next model.Entity, cur model.Entity) bool {
	nt, ct := next.Stamp(), cur.Stamp()
	if nt.After(ct) {
		return true
	}
	if nt.Before(ct) {
		return false
	}
	return next.Sender() > cur.Sender()
}

// Snapshot is a point-in-time, internally consistent copy of the store,
// safe to read and serialize without further coordination.
type Snapshot struct {
	TakenAt    time.Time                      `json:"takenAt"`
	Players    map[string]model.Player        `json:"players"`
	Airfields  []model.Airfield               `json:"airfields"`
	POIs       []model.PointOfInterest        `json:"pois"`
	Waypoints  map[string]model.WaypointSet   `json:"waypoints"`
	Formations map[string]model.FormationFlag `json:"formation"`
	Chat       []model.ChatMessage            `json:"chat"`
	MapInfo    model.MapInfo                  `json:"map_info"`
}

// Snapshot deep-copies the current state. The lock is held only while
// copying; consumers never contend with writers afterwards.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		TakenAt:    time.Now(),
		Players:    make(map[string]model.Player, len(s.players)),
		Airfields:  make([]model.Airfield, 0, len(s.airfields)),
		POIs:       make([]model.PointOfInterest, 0, len(s.pois)),
		Waypoints:  make(map[string]model.WaypointSet, len(s.waypoints)),
		Formations: make(map[string]model.FormationFlag, len(s.formations)),
		Chat:       slices.Clone(s.chat),
		MapInfo:    s.mapInfo,
	}

	for id, p := range s.players {
		cp := *p
		cp.Trail = slices.Clone(p.Trail)
		snap.Players[id] = cp
	}
	for _, a := range s.airfields {
		snap.Airfields = append(snap.Airfields, *a)
	}
	sort.Slice(snap.Airfields, func(i, j int) bool { return snap.Airfields[i].ID < snap.Airfields[j].ID })
	for _, p := range s.pois {
		snap.POIs = append(snap.POIs, *p)
	}
	sort.Slice(snap.POIs, func(i, j int) bool { return snap.POIs[i].ID < snap.POIs[j].ID })
	for owner, w := range s.waypoints {
		cp := *w
		cp.Points = slices.Clone(w.Points)
		snap.Waypoints[owner] = cp
	}
	for owner, f := range s.formations {
		snap.Formations[owner] = *f
	}
	return snap
}
