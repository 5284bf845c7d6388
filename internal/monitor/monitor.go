// Package monitor ships periodic engine statistics to InfluxDB so a
// squadron can watch sync health across all nodes on one dashboard.
package monitor

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"github.com/link18/tacsync/internal/config"
	"github.com/link18/tacsync/internal/netsync"
	"github.com/link18/tacsync/internal/store"
)

const (
	bucket        = "tacsync_performance"
	writeInterval = 10 * time.Second
)

// Sources supplies the live values each performance point samples.
type Sources struct {
	Store       *store.Store
	Receiver    func() netsync.ReceiverStats
	Transmitter func() netsync.TransmitterStats
	QueueDepth  func() int
}

// Service writes one engine_performance point per interval. A service
// that failed to connect is valid but inert.
type Service struct {
	client   influxdb2.Client
	writer   influxdb2_api.WriteAPI
	sources  Sources
	callsign string
	log      zerolog.Logger
	enabled  bool
}

// NewService connects to InfluxDB when enabled. Connection failure
// disables the monitor with a warning; sync never depends on metrics.
func NewService(cfg config.InfluxConfig, callsign string, sources Sources, log zerolog.Logger) *Service {
	s := &Service{
		sources:  sources,
		callsign: callsign,
		log:      log.With().Str("component", "monitor").Logger(),
	}
	if !cfg.Enabled {
		return s
	}

	s.client = influxdb2.NewClientWithOptions(cfg.URL(), cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(1000),
	)

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	running, err := s.client.Ping(pingCtx)
	if err != nil || !running {
		s.log.Warn().Err(err).Str("url", cfg.URL()).Msg("influxdb unreachable, monitor disabled")
		s.client.Close()
		s.client = nil
		return s
	}

	s.writer = s.client.WriteAPI(cfg.Org, bucket)
	s.enabled = true
	s.log.Info().Str("url", cfg.URL()).Msg("monitor connected")
	return s
}

// Enabled reports whether points are being written.
func (s *Service) Enabled() bool {
	return s.enabled
}

// Run writes points until the context is canceled. Returns immediately
// when the monitor is disabled.
func (s *Service) Run(ctx context.Context) {
	if !s.enabled {
		return
	}
	defer func() {
		s.writer.Flush()
		s.client.Close()
	}()

	tick := time.NewTicker(writeInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("monitor stopped")
			return
		case <-tick.C:
			s.writePoint(time.Now())
		}
	}
}

func (s *Service) writePoint(now time.Time) {
	point := influxdb2.NewPoint(
		"engine_performance",
		map[string]string{"callsign": s.callsign},
		s.fields(now),
		now,
	)
	s.writer.WritePoint(point)
}

func (s *Service) fields(now time.Time) map[string]any {
	fields := map[string]any{}

	if s.sources.Store != nil {
		counts := s.sources.Store.Counts()
		fields["players"] = counts.Players
		fields["airfields"] = counts.Airfields
		fields["pois"] = counts.POIs
		fields["waypoints"] = counts.Waypoints
		fields["chat"] = counts.Chat
		fields["snapshot_age_ms"] = now.Sub(s.sources.Store.Snapshot().TakenAt).Milliseconds()
	}
	if s.sources.Receiver != nil {
		rx := s.sources.Receiver()
		fields["datagrams_received"] = rx.Received
		fields["datagrams_dropped"] = rx.Dropped
	}
	if s.sources.Transmitter != nil {
		tx := s.sources.Transmitter()
		fields["broadcasts_sent"] = tx.Sent
		fields["broadcast_errors"] = tx.Errors
	}
	if s.sources.QueueDepth != nil {
		fields["command_queue_depth"] = s.sources.QueueDepth()
	}
	return fields
}
