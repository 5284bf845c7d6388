package netsync

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/store"
	"github.com/link18/tacsync/internal/wire"
)

// SystemSender is the sender of process-generated chat lines.
const SystemSender = "[System]"

// Re-assert cadences for owned reference entities. Peers expire players
// and airfields after 60s of silence, so every cadence here leaves ample
// margin for lost datagrams.
const (
	airfieldInterval = 30 * time.Second
	poiInterval      = 3 * time.Second
	planInterval     = 5 * time.Second
)

// TransmitterConfig carries the broadcast targets and the player cadence.
type TransmitterConfig struct {
	Port        int
	BroadcastIP string
	// DisableLanBroadcast skips the extra limited-broadcast target when
	// BroadcastIP is a directed address.
	DisableLanBroadcast bool
	Interval            time.Duration
	Callsign            string
}

// TransmitterStats is a point-in-time copy of the transmitter counters.
type TransmitterStats struct {
	Sent   int64 `json:"sent"`
	Errors int64 `json:"errors"`
}

// Transmitter periodically encodes locally-owned entities and sends them
// to the broadcast targets.
type Transmitter struct {
	cfg   TransmitterConfig
	store *store.Store
	log   zerolog.Logger
	conns []*net.UDPConn
	nudge chan struct{}

	sent   atomic.Int64
	errors atomic.Int64

	sentCtr metric.Int64Counter
	errCtr  metric.Int64Counter
}

// NewTransmitter dials one connection per broadcast target. Dialing a
// broadcast address never blocks; failures here mean the address is
// unusable and are returned to the caller.
func NewTransmitter(cfg TransmitterConfig, st *store.Store, log zerolog.Logger) (*Transmitter, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	targets := []string{cfg.BroadcastIP}
	if cfg.BroadcastIP != "255.255.255.255" && !cfg.DisableLanBroadcast {
		targets = append(targets, "255.255.255.255")
	}

	t := &Transmitter{
		cfg:   cfg,
		store: st,
		log:   log.With().Str("component", "transmitter").Logger(),
		nudge: make(chan struct{}, 1),
	}
	m := meter()
	t.sentCtr = newCounter(m, "netsync.datagrams.sent", "Datagrams handed to the socket")
	t.errCtr = newCounter(m, "netsync.send.errors", "Datagram send failures")

	for _, host := range targets {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, cfg.Port))
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("resolving broadcast target %s: %w", host, err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("dialing broadcast target %s: %w", host, err)
		}
		t.conns = append(t.conns, conn)
	}
	return t, nil
}

// Nudge requests an immediate plan broadcast without waiting for the next
// scheduled cycle. Safe to call from any goroutine; a pending nudge
// coalesces with later ones.
func (t *Transmitter) Nudge() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the transmitter counters.
func (t *Transmitter) Stats() TransmitterStats {
	return TransmitterStats{
		Sent:   t.sent.Load(),
		Errors: t.errors.Load(),
	}
}

// Close releases the broadcast connections.
func (t *Transmitter) Close() {
	for _, c := range t.conns {
		c.Close()
	}
}

// Run announces the node and then shares owned entities on their
// cadences until the context is canceled.
func (t *Transmitter) Run(ctx context.Context) {
	t.announceOnline(ctx)

	playerTick := time.NewTicker(t.cfg.Interval)
	airfieldTick := time.NewTicker(airfieldInterval)
	poiTick := time.NewTicker(poiInterval)
	planTick := time.NewTicker(planInterval)
	defer playerTick.Stop()
	defer airfieldTick.Stop()
	defer poiTick.Stop()
	defer planTick.Stop()

	// Share everything once at startup so peers see us before the slow
	// cadences fire.
	snap := t.store.Snapshot()
	t.sendAirfields(ctx, snap)
	t.sendPOIs(ctx, snap)
	t.sendPlans(ctx, snap)

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("transmitter stopped")
			return
		case <-playerTick.C:
			t.sendPlayer(ctx, t.store.Snapshot())
		case <-airfieldTick.C:
			t.sendAirfields(ctx, t.store.Snapshot())
		case <-poiTick.C:
			t.sendPOIs(ctx, t.store.Snapshot())
		case <-planTick.C:
			t.sendPlans(ctx, t.store.Snapshot())
		case <-t.nudge:
			t.sendPlans(ctx, t.store.Snapshot())
		}
	}
}

func (t *Transmitter) announceOnline(ctx context.Context) {
	data, err := wire.EncodeChat(model.ChatMessage{
		Sender:    SystemSender,
		Message:   fmt.Sprintf("%s is now Online", t.cfg.Callsign),
		Timestamp: time.Now(),
		Origin:    model.OriginLocal,
	})
	if err != nil {
		t.log.Error().Err(err).Msg("encoding online announcement")
		return
	}
	t.send(ctx, data)
}

func (t *Transmitter) sendPlayer(ctx context.Context, snap store.Snapshot) {
	p, ok := snap.Players[model.LocalPlayerID]
	if !ok {
		return
	}
	// On the wire the reserved local identity becomes our callsign so
	// peers key the record per sender.
	p.ID = t.cfg.Callsign
	p.Callsign = t.cfg.Callsign
	t.sendEntity(ctx, p)
}

func (t *Transmitter) sendAirfields(ctx context.Context, snap store.Snapshot) {
	for _, a := range snap.Airfields {
		if a.Origin != model.OriginLocal {
			continue
		}
		a.Callsign = t.cfg.Callsign
		t.sendEntity(ctx, a)
	}
}

func (t *Transmitter) sendPOIs(ctx context.Context, snap store.Snapshot) {
	for _, p := range snap.POIs {
		if p.Origin != model.OriginLocal {
			continue
		}
		t.sendEntity(ctx, p)
	}
}

func (t *Transmitter) sendPlans(ctx context.Context, snap store.Snapshot) {
	if w, ok := snap.Waypoints[t.cfg.Callsign]; ok && w.Origin == model.OriginLocal {
		t.sendEntity(ctx, w)
	}
	if f, ok := snap.Formations[t.cfg.Callsign]; ok && f.Origin == model.OriginLocal {
		t.sendEntity(ctx, f)
	}
}

func (t *Transmitter) sendEntity(ctx context.Context, e model.Entity) {
	data, err := wire.Encode(e)
	if err != nil {
		t.log.Error().Err(err).Str("kind", string(e.Kind())).Msg("encoding datagram")
		return
	}
	t.send(ctx, data)
}

// send writes to every target. Broadcast sends fail transiently when the
// link flaps; log and count, never abort the loop.
func (t *Transmitter) send(ctx context.Context, data []byte) {
	for _, conn := range t.conns {
		if _, err := conn.Write(data); err != nil {
			t.errors.Add(1)
			t.errCtr.Add(ctx, 1)
			t.log.Warn().Err(err).Str("target", conn.RemoteAddr().String()).Msg("send failed")
			continue
		}
		t.sent.Add(1)
		t.sentCtr.Add(ctx, 1)
	}
}
