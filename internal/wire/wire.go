// Package wire encodes and decodes the UDP datagram protocol: one
// self-describing JSON object per datagram, discriminated by its "type"
// field. The field names are fixed by the protocol and shared by every
// instance on the broadcast domain, so they never change with internal
// model refactors.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/link18/tacsync/internal/model"
)

// MaxDatagramSize bounds a single datagram. A full 64-point waypoint set
// fits well below this.
const MaxDatagramSize = 8192

var (
	// ErrMalformed is returned for datagrams that are not valid JSON or
	// miss the type discriminator.
	ErrMalformed = errors.New("malformed datagram")
	// ErrUnknownType is returned for datagrams with an unrecognized type.
	ErrUnknownType = errors.New("unknown datagram type")
	// ErrTooLarge is returned when an encoded datagram exceeds MaxDatagramSize.
	ErrTooLarge = errors.New("datagram too large")
)

// TypePing is a legacy keep-alive; decoded but carries no entity.
const TypePing = "ping"

// Decoded is the result of decoding one datagram. Exactly one of Entity
// and Chat is set, except for ping datagrams where both are nil.
type Decoded struct {
	Type   string
	Sender string
	Entity model.Entity
	Chat   *model.ChatMessage
}

type envelope struct {
	Type string `json:"type"`
}

type playerPacket struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	Sender   string  `json:"sender"`
	Callsign string  `json:"callsign"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	Alt      float64 `json:"alt"`
	Spd      float64 `json:"spd"`
	Vehicle  string  `json:"vehicle"`
	Color    string  `json:"color"`
	TS       float64 `json:"ts,omitempty"`
}

type airfieldPacket struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	Sender   string  `json:"sender"`
	Callsign string  `json:"callsign"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Angle    float64 `json:"angle"`
	Len      float64 `json:"len"`
	IsCV     bool    `json:"is_cv"`
	Color    string  `json:"color"`
	TS       float64 `json:"ts,omitempty"`
}

type poiPacket struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	Sender string  `json:"sender"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Icon   string  `json:"icon"`
	Color  string  `json:"color"`
	TS     float64 `json:"ts,omitempty"`
}

type chatPacket struct {
	Type      string  `json:"type"`
	Sender    string  `json:"sender"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

type waypointsPacket struct {
	Type   string        `json:"type"`
	Sender string        `json:"sender"`
	Points []model.Point `json:"points"`
	TS     float64       `json:"ts,omitempty"`
}

type formationPacket struct {
	Type   string  `json:"type"`
	Sender string  `json:"sender"`
	Value  bool    `json:"value"`
	TS     float64 `json:"ts,omitempty"`
}

// Encode serializes an entity into its datagram form.
func Encode(e model.Entity) ([]byte, error) {
	var pkt any

	switch v := e.(type) {
	case model.Player:
		pkt = playerPacket{
			Type: string(model.KindPlayer), ID: v.ID, Sender: v.Callsign,
			Callsign: v.Callsign, X: v.X, Y: v.Y, DX: v.DX, DY: v.DY,
			Alt: v.Altitude, Spd: v.Speed, Vehicle: v.Vehicle, Color: v.Color,
			TS: toWireTime(v.LastUpdate),
		}
	case model.Airfield:
		pkt = airfieldPacket{
			Type: string(model.KindAirfield), ID: v.ID, Sender: v.Callsign,
			Callsign: v.Callsign, X: v.X, Y: v.Y, Angle: v.Angle, Len: v.Length,
			IsCV: v.IsCarrier, Color: v.Color,
			TS: toWireTime(v.LastUpdate),
		}
	case model.PointOfInterest:
		pkt = poiPacket{
			Type: string(model.KindPOI), ID: v.ID, Sender: v.Owner,
			X: v.X, Y: v.Y, Icon: v.Icon, Color: v.Color,
			TS: toWireTime(v.LastUpdate),
		}
	case model.WaypointSet:
		pkt = waypointsPacket{
			Type: string(model.KindWaypoints), Sender: v.Owner,
			Points: v.Points, TS: toWireTime(v.LastUpdate),
		}
	case model.FormationFlag:
		pkt = formationPacket{
			Type: string(model.KindFormation), Sender: v.Owner,
			Value: v.Value, TS: toWireTime(v.LastUpdate),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}

	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// EncodeChat serializes a team chat message into its datagram form.
func EncodeChat(c model.ChatMessage) ([]byte, error) {
	return json.Marshal(chatPacket{
		Type: string(model.KindChat), Sender: c.Sender,
		Message: c.Message, Timestamp: toWireTime(c.Timestamp),
	})
}

// Decode parses one datagram. Entities come out with origin peer; when
// the packet carries no timestamp the receive time is used, preserving
// last-write-wins semantics for peers that never stamp their packets.
func Decode(data []byte, received time.Time) (Decoded, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Decoded{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypePing:
		return Decoded{Type: TypePing}, nil

	case string(model.KindPlayer):
		var p playerPacket
		if err := json.Unmarshal(data, &p); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: p.Type, Sender: p.Sender, Entity: model.Player{
			ID: p.ID, Callsign: p.Callsign, X: p.X, Y: p.Y, DX: p.DX, DY: p.DY,
			Altitude: p.Alt, Speed: p.Spd, Vehicle: p.Vehicle, Color: p.Color,
			Origin: model.OriginPeer, LastUpdate: fromWireTime(p.TS, received),
		}}, nil

	case string(model.KindAirfield):
		var a airfieldPacket
		if err := json.Unmarshal(data, &a); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: a.Type, Sender: a.Sender, Entity: model.Airfield{
			ID: a.ID, Callsign: a.Callsign, X: a.X, Y: a.Y, Angle: a.Angle,
			Length: a.Len, IsCarrier: a.IsCV, Color: a.Color,
			Origin: model.OriginPeer, LastUpdate: fromWireTime(a.TS, received),
		}}, nil

	case string(model.KindPOI):
		var p poiPacket
		if err := json.Unmarshal(data, &p); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: p.Type, Sender: p.Sender, Entity: model.PointOfInterest{
			ID: p.ID, Owner: p.Sender, X: p.X, Y: p.Y, Icon: p.Icon, Color: p.Color,
			Origin: model.OriginPeer, LastUpdate: fromWireTime(p.TS, received),
		}}, nil

	case string(model.KindWaypoints):
		var w waypointsPacket
		if err := json.Unmarshal(data, &w); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: w.Type, Sender: w.Sender, Entity: model.WaypointSet{
			Owner: w.Sender, Points: w.Points,
			Origin: model.OriginPeer, LastUpdate: fromWireTime(w.TS, received),
		}}, nil

	case string(model.KindFormation):
		var f formationPacket
		if err := json.Unmarshal(data, &f); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: f.Type, Sender: f.Sender, Entity: model.FormationFlag{
			Owner: f.Sender, Value: f.Value,
			Origin: model.OriginPeer, LastUpdate: fromWireTime(f.TS, received),
		}}, nil

	case string(model.KindChat):
		var c chatPacket
		if err := json.Unmarshal(data, &c); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decoded{Type: c.Type, Sender: c.Sender, Chat: &model.ChatMessage{
			Sender: c.Sender, Message: c.Message,
			Timestamp: fromWireTime(c.Timestamp, received),
			Origin:    model.OriginPeer,
		}}, nil

	default:
		return Decoded{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// toWireTime converts to unix seconds with millisecond precision, the
// stamp format peers have always exchanged.
func toWireTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli()) / 1000
}

func fromWireTime(ts float64, fallback time.Time) time.Time {
	if ts <= 0 {
		return fallback
	}
	return time.UnixMilli(int64(ts * 1000)).UTC()
}
