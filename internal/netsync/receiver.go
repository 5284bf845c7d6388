// Package netsync moves the tactical picture across the broadcast domain:
// the Transmitter shares locally-owned entities on fixed cadences and the
// Receiver folds peer datagrams into the store. There is no handshake and
// no peer table; the store's merge rules absorb duplicates and reordering.
package netsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/store"
	"github.com/link18/tacsync/internal/wire"
)

// ReceiverStats is a point-in-time copy of the receiver counters.
type ReceiverStats struct {
	Received int64 `json:"received"`
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
}

// Receiver listens on the shared UDP port and upserts every accepted peer
// datagram into the store.
type Receiver struct {
	conn     *net.UDPConn
	store    *store.Store
	callsign string
	local    AddrSet
	log      zerolog.Logger

	received atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64

	receivedCtr metric.Int64Counter
	droppedCtr  metric.Int64Counter
}

// NewReceiver binds 0.0.0.0:port. A bind failure means another instance
// already owns the port or the port is privileged; either way the node
// cannot participate, so the caller treats the error as fatal.
func NewReceiver(port int, callsign string, local AddrSet, st *store.Store, log zerolog.Logger) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding udp port %d: %w", port, err)
	}
	m := meter()
	return &Receiver{
		conn:        conn,
		store:       st,
		callsign:    callsign,
		local:       local,
		log:         log.With().Str("component", "receiver").Logger(),
		receivedCtr: newCounter(m, "netsync.datagrams.received", "Datagrams read off the socket"),
		droppedCtr:  newCounter(m, "netsync.datagrams.dropped", "Datagrams dropped before reaching the store"),
	}, nil
}

// Port returns the bound UDP port.
func (r *Receiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Stats returns a copy of the receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Received: r.received.Load(),
		Accepted: r.accepted.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Run reads datagrams until the context is canceled. The socket read has
// no deadline; cancelation closes the socket to unblock it.
func (r *Receiver) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				r.log.Info().Msg("receiver stopped")
				return
			}
			r.log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		r.received.Add(1)
		r.receivedCtr.Add(ctx, 1)
		r.handle(ctx, buf[:n], src, time.Now())
	}
}

func (r *Receiver) handle(ctx context.Context, data []byte, src *net.UDPAddr, now time.Time) {
	dec, err := wire.Decode(data, now)
	if err != nil {
		r.drop(ctx, "malformed")
		r.log.Debug().Err(err).Str("src", src.String()).Msg("dropping datagram")
		return
	}
	if dec.Type == wire.TypePing {
		return
	}

	// Self-echo stage 1: our own broadcast loops back with a local
	// source address.
	if r.local.Contains(src.IP) {
		r.drop(ctx, "self_echo_ip")
		return
	}
	// Self-echo stage 2: another path back to us (VPN, NAT hairpin)
	// still declares our callsign as sender.
	if dec.Sender != "" && dec.Sender == r.callsign {
		r.drop(ctx, "self_echo_sender")
		return
	}

	switch {
	case dec.Chat != nil:
		if err := r.store.AddChat(*dec.Chat); err != nil {
			r.drop(ctx, "invalid")
		}
	case dec.Entity != nil:
		if err := r.store.Upsert(dec.Entity); err != nil {
			if errors.Is(err, model.ErrInvalidEntity) {
				r.drop(ctx, "invalid")
				r.log.Debug().Err(err).Str("src", src.String()).Msg("rejecting entity")
				return
			}
			// Store discards (older timestamp) are not errors and do
			// not surface here; anything else is unexpected.
			r.log.Warn().Err(err).Msg("upsert failed")
			return
		}
		r.accepted.Add(1)
	}
}

func (r *Receiver) drop(ctx context.Context, reason string) {
	r.dropped.Add(1)
	r.droppedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
