// Package telemetry polls the local game API and folds what it reports
// into the store as local-origin entities. The API is a plain HTTP
// surface on localhost; every call carries a tight deadline because a
// hung poll is worse than a missed one.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/link18/tacsync/internal/model"
)

// Per-endpoint deadlines. The map object list is the largest payload and
// gets the most headroom.
const (
	mapObjectsTimeout = 300 * time.Millisecond
	stateTimeout      = 100 * time.Millisecond
	indicatorsTimeout = 100 * time.Millisecond
	mapInfoTimeout    = 200 * time.Millisecond
)

// MapObject is one entry of the map object list. Airfields carry runway
// endpoints instead of a position; the pointer fields stay nil for every
// other object type.
type MapObject struct {
	Type  string   `json:"type"`
	Icon  string   `json:"icon"`
	Color string   `json:"color"`
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	DX    float64  `json:"dx"`
	DY    float64  `json:"dy"`
	SX    *float64 `json:"sx"`
	SY    *float64 `json:"sy"`
	EX    *float64 `json:"ex"`
	EY    *float64 `json:"ey"`
}

// HasRunway reports whether the object carries both runway endpoints.
func (o MapObject) HasRunway() bool {
	return o.SX != nil && o.SY != nil && o.EX != nil && o.EY != nil
}

// State is the flight state subset we consume. The API uses unit-bearing
// key names ("H, m", "TAS, km/h") that cannot live in struct tags, so the
// payload is decoded as a generic map first.
type State struct {
	AltitudeM    float64
	SpeedKmh     float64
	HasTelemetry bool
}

// Indicators is the cockpit indicator subset we consume.
type Indicators struct {
	Type  string  `json:"type"`
	Pitch float64 `json:"aviahorizon_pitch"`
}

// Client talks to the local telemetry HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the API at base (e.g. http://127.0.0.1:8111).
func NewClient(base string) *Client {
	return &Client{
		base: base,
		// The overall timeout is a backstop; per-call context deadlines
		// are tighter.
		http: &http.Client{Timeout: time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// MapObjects fetches the current map object list.
func (c *Client) MapObjects(ctx context.Context) ([]MapObject, error) {
	var objs []MapObject
	if err := c.get(ctx, "/map_obj.json", mapObjectsTimeout, &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

// State fetches speed and altitude.
func (c *Client) State(ctx context.Context) (State, error) {
	raw := map[string]any{}
	if err := c.get(ctx, "/state", stateTimeout, &raw); err != nil {
		return State{}, err
	}
	return State{
		AltitudeM:   floatField(raw, "H, m"),
		SpeedKmh:    floatField(raw, "TAS, km/h"),
		HasTelemetry: len(raw) > 0,
	}, nil
}

// Indicators fetches the vehicle type and pitch.
func (c *Client) Indicators(ctx context.Context) (Indicators, error) {
	var ind Indicators
	if err := c.get(ctx, "/indicators", indicatorsTimeout, &ind); err != nil {
		return Indicators{}, err
	}
	return ind, nil
}

// MapInfo fetches the map bounds and grid reference.
func (c *Client) MapInfo(ctx context.Context) (model.MapInfo, error) {
	var mi model.MapInfo
	if err := c.get(ctx, "/map_info.json", mapInfoTimeout, &mi); err != nil {
		return model.MapInfo{}, err
	}
	return mi, nil
}

func floatField(raw map[string]any, key string) float64 {
	if v, ok := raw[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}
