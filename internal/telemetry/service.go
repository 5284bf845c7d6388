package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/link18/tacsync/internal/geo"
	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/registry"
	"github.com/link18/tacsync/internal/store"
)

const (
	// airfieldDedupEps merges detections of the same runway reported at
	// slightly different positions.
	airfieldDedupEps = 0.05
	// parkedSpeedKmh is the speed below which the player counts as on
	// the ground for elevation recording.
	parkedSpeedKmh = 80.0
	// mapInfoRefresh bounds how often the bounds endpoint is re-read.
	mapInfoRefresh = 8 * time.Second
)

// ServiceConfig wires the poll service to its surroundings.
type ServiceConfig struct {
	Callsign     string
	Color        string
	PollInterval time.Duration
	// VehiclesPath points at the optional vehicle display-name map.
	VehiclesPath string
}

// Service runs the poll loop: one telemetry cycle produces one batch of
// local-origin upserts, or removes the local player when the source
// reports no session.
type Service struct {
	cfg      ServiceConfig
	client   *Client
	store    *store.Store
	registry registry.Registry
	log      zerolog.Logger

	vehicles map[string]string

	alt     float64
	speed   float64
	vehicle string

	lastMapInfo time.Time

	cycles   metric.Int64Counter
	failures metric.Int64Counter
}

// NewService builds the poll service. A missing vehicles file is normal
// and leaves type codes unresolved.
func NewService(cfg ServiceConfig, client *Client, st *store.Store, reg registry.Registry, log zerolog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	m := meter()
	return &Service{
		cfg:      cfg,
		client:   client,
		store:    st,
		registry: reg,
		log:      log.With().Str("component", "telemetry").Logger(),
		vehicles: loadVehicleNames(cfg.VehiclesPath, log),
		cycles:   newCounter(m, "telemetry.cycles", "Completed poll cycles"),
		failures: newCounter(m, "telemetry.failures", "Poll cycles with an unreachable source"),
	}
}

func loadVehicleNames(path string, log zerolog.Logger) map[string]string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("no vehicle name map")
		return nil
	}
	names := map[string]string{}
	if err := json.Unmarshal(data, &names); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("vehicle name map unreadable")
		return nil
	}
	return names
}

// resolveVehicle maps a raw type code to its display name, falling back
// to the raw code.
func (s *Service) resolveVehicle(raw string) string {
	if raw == "" {
		return ""
	}
	if name, ok := s.vehicles[raw]; ok {
		return name
	}
	if name, ok := s.vehicles[strings.ToLower(raw)]; ok {
		return name
	}
	return raw
}

// Run polls until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("telemetry stopped")
			return
		case <-tick.C:
			s.poll(ctx, time.Now())
		}
	}
}

// poll runs one telemetry cycle.
func (s *Service) poll(ctx context.Context, now time.Time) {
	objects, err := s.client.MapObjects(ctx)
	if err != nil {
		// No session or source down: the local player must disappear
		// from the shared picture rather than freeze in place.
		if s.store.RemoveLocalPlayer() {
			s.log.Info().Err(err).Msg("telemetry source lost, local player removed")
		}
		s.failures.Add(ctx, 1)
		return
	}

	// State and indicator failures keep the previous values; the map
	// object list alone decides whether a session exists.
	if state, err := s.client.State(ctx); err == nil && state.HasTelemetry {
		s.alt = state.AltitudeM
		s.speed = state.SpeedKmh
	}
	if ind, err := s.client.Indicators(ctx); err == nil && ind.Type != "" {
		s.vehicle = s.resolveVehicle(ind.Type)
	}
	if now.Sub(s.lastMapInfo) >= mapInfoRefresh {
		if mi, err := s.client.MapInfo(ctx); err == nil && mi.Valid() {
			s.store.SetMapInfo(mi)
		}
		s.lastMapInfo = now
	}

	airfields := s.upsertAirfields(objects, now)
	s.upsertPOIs(objects, now)

	player, found := s.upsertPlayer(objects, now)
	if !found {
		if s.store.RemoveLocalPlayer() {
			s.log.Info().Msg("no player in session, local player removed")
		}
	} else {
		s.recordElevation(player, airfields)
	}

	s.cycles.Add(ctx, 1)
}

// upsertAirfields detects runways, dedups them and upserts them as
// local-origin airfields. Returns the detected set for elevation checks.
func (s *Service) upsertAirfields(objects []MapObject, now time.Time) []model.Airfield {
	var detected []model.Airfield
	for _, obj := range objects {
		if obj.Type != "airfield" || !obj.HasRunway() {
			continue
		}
		runway, err := geo.RunwayFromEndpoints(*obj.SX, *obj.SY, *obj.EX, *obj.EY)
		if err != nil {
			continue
		}
		af := s.airfieldFrom(runway, obj, now)

		duplicate := false
		for i, existing := range detected {
			if !geo.Near(model.Point{X: existing.X, Y: existing.Y}, runway.Center, airfieldDedupEps) {
				continue
			}
			// Prefer the detection that actually carries a runway span.
			if existing.Length < 0.001 && runway.Length > 0.001 {
				af.ID = existing.ID
				detected[i] = af
			}
			duplicate = true
			break
		}
		if duplicate {
			continue
		}
		af.ID = fmt.Sprintf("%s_af_%d", s.cfg.Callsign, len(detected)+1)
		detected = append(detected, af)
	}

	for _, af := range detected {
		if err := s.store.Upsert(af); err != nil {
			s.log.Debug().Err(err).Msg("airfield rejected")
		}
	}
	return detected
}

func (s *Service) airfieldFrom(runway geo.Runway, obj MapObject, now time.Time) model.Airfield {
	af := model.Airfield{
		Callsign:   s.cfg.Callsign,
		X:          runway.Center.X,
		Y:          runway.Center.Y,
		Angle:      runway.AngleDeg,
		Length:     runway.Length,
		Color:      obj.Color,
		Origin:     model.OriginLocal,
		LastUpdate: now,
	}
	if elev, ok := s.registry.Lookup(af.X, af.Y); ok {
		af.Elevation = &elev
	}
	return af
}

func (s *Service) upsertPOIs(objects []MapObject, now time.Time) {
	n := 0
	for _, obj := range objects {
		if obj.Type != "point_of_interest" {
			continue
		}
		n++
		icon := obj.Icon
		if icon == "" {
			icon = "point_of_interest"
		}
		poi := model.PointOfInterest{
			ID:         fmt.Sprintf("%s_poi_%d", s.cfg.Callsign, n),
			Owner:      s.cfg.Callsign,
			X:          obj.X,
			Y:          obj.Y,
			Icon:       icon,
			Color:      obj.Color,
			Origin:     model.OriginLocal,
			LastUpdate: now,
		}
		if err := s.store.Upsert(poi); err != nil {
			s.log.Debug().Err(err).Msg("poi rejected")
		}
	}
}

func (s *Service) upsertPlayer(objects []MapObject, now time.Time) (model.Player, bool) {
	for _, obj := range objects {
		if obj.Icon != "Player" {
			continue
		}
		p := model.Player{
			ID:         model.LocalPlayerID,
			Callsign:   s.cfg.Callsign,
			X:          obj.X,
			Y:          obj.Y,
			DX:         obj.DX,
			DY:         obj.DY,
			Altitude:   s.alt,
			Speed:      s.speed,
			Vehicle:    s.vehicle,
			Color:      s.cfg.Color,
			Origin:     model.OriginLocal,
			LastUpdate: now,
		}
		if err := s.store.Upsert(p); err != nil {
			s.log.Debug().Err(err).Msg("player rejected")
			return model.Player{}, false
		}
		return p, true
	}
	return model.Player{}, false
}

// recordElevation persists the current altitude as a runway elevation
// when the player sits on a detected airfield at taxi speed.
func (s *Service) recordElevation(p model.Player, airfields []model.Airfield) {
	if s.speed >= parkedSpeedKmh {
		return
	}
	for _, af := range airfields {
		if !geo.Near(model.Point{X: p.X, Y: p.Y}, model.Point{X: af.X, Y: af.Y}, airfieldDedupEps) {
			continue
		}
		if prev, ok := s.registry.Lookup(af.X, af.Y); ok && prev == s.alt {
			return
		}
		if err := s.registry.Record(af.X, af.Y, s.alt, registry.Observation{
			Vehicle: s.vehicle,
			Speed:   s.speed,
		}); err != nil {
			s.log.Warn().Err(err).Msg("recording elevation failed")
		}
		return
	}
}
