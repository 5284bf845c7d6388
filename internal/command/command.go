// Package command accepts planning commands from the dashboard, validates
// them synchronously, and applies them to the store in submission order.
// Applied results become local-origin entities so the transmitter shares
// them with peers on the next cycle.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/queue"
	"github.com/link18/tacsync/internal/store"
)

// Command types accepted from the dashboard.
const (
	TypePlanningUpdate = "planning_update"
	TypeSetFormation   = "set_formation"
)

// ErrUnknownCommand is returned by Submit for an unrecognized command type.
var ErrUnknownCommand = errors.New("unknown command type")

// Command is one planning request. Fields may arrive flat or wrapped in a
// payload object; Parse accepts both shapes.
type Command struct {
	Type      string        `json:"type"`
	Waypoints []model.Point `json:"waypoints,omitempty"`
	Formation *bool         `json:"formation,omitempty"`

	// Received is when the command entered the process, used as the
	// entity timestamp when the command is applied.
	Received time.Time `json:"-"`
}

// Parse decodes a command from its JSON body. A `payload` wrapper, when
// present, is flattened into the command fields.
func Parse(data []byte) (Command, error) {
	var envelope struct {
		Type    string `json:"type"`
		Payload *struct {
			Waypoints []model.Point `json:"waypoints"`
			Formation *bool         `json:"formation"`
		} `json:"payload"`
		Waypoints []model.Point `json:"waypoints"`
		Formation *bool         `json:"formation"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}

	c := Command{
		Type:      envelope.Type,
		Waypoints: envelope.Waypoints,
		Formation: envelope.Formation,
	}
	if envelope.Payload != nil {
		if envelope.Payload.Waypoints != nil {
			c.Waypoints = envelope.Payload.Waypoints
		}
		if envelope.Payload.Formation != nil {
			c.Formation = envelope.Payload.Formation
		}
	}
	return c, nil
}

// Notifier is poked after a command changes local state so the transmitter
// can share the result without waiting for its next scheduled cycle.
type Notifier interface {
	Nudge()
}

type noopNotifier struct{}

func (noopNotifier) Nudge() {}

// Reconciler validates incoming commands and applies them to the store in
// the order they were submitted.
type Reconciler struct {
	store    *store.Store
	callsign string
	notifier Notifier
	log      zerolog.Logger

	pending *queue.Queue[Command]
	signal  chan struct{}

	// lastStamp makes successive command timestamps strictly increasing
	// so the store's merge rule keeps applying them in submission order.
	mu        sync.Mutex
	lastStamp time.Time

	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates a Reconciler applying commands on behalf of callsign.
func New(st *store.Store, callsign string, notifier Notifier, log zerolog.Logger) *Reconciler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	m := meter()
	return &Reconciler{
		store:    st,
		callsign: callsign,
		notifier: notifier,
		log:      log.With().Str("component", "command").Logger(),
		pending:  queue.New[Command](),
		signal:   make(chan struct{}, 1),
		accepted: newCounter(m, "command.accepted", "Commands validated and queued"),
		rejected: newCounter(m, "command.rejected", "Commands rejected during validation"),
	}
}

// Submit validates the command and, if valid, queues it for application.
// Validation errors are returned immediately and leave state untouched.
func (r *Reconciler) Submit(c Command) error {
	c.Received = r.stamp(c.Received)

	if err := r.validate(c); err != nil {
		r.rejected.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", c.Type)))
		r.log.Warn().Str("type", c.Type).Err(err).Msg("command rejected")
		return err
	}

	r.pending.Push(c)
	r.accepted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", c.Type)))
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

func (r *Reconciler) stamp(received time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if received.IsZero() {
		received = time.Now()
	}
	if !received.After(r.lastStamp) {
		received = r.lastStamp.Add(time.Millisecond)
	}
	r.lastStamp = received
	return received
}

func (r *Reconciler) validate(c Command) error {
	switch c.Type {
	case TypePlanningUpdate:
		return r.entityFor(c).Validate()
	case TypeSetFormation:
		if c.Formation == nil {
			return fmt.Errorf("%w: set_formation without value", model.ErrInvalidEntity)
		}
		return r.entityFor(c).Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}
}

func (r *Reconciler) entityFor(c Command) model.Entity {
	switch c.Type {
	case TypeSetFormation:
		value := false
		if c.Formation != nil {
			value = *c.Formation
		}
		return model.FormationFlag{
			Owner:      r.callsign,
			Value:      value,
			Origin:     model.OriginLocal,
			LastUpdate: c.Received,
		}
	default:
		return model.WaypointSet{
			Owner:      r.callsign,
			Points:     c.Waypoints,
			Origin:     model.OriginLocal,
			LastUpdate: c.Received,
		}
	}
}

// Pending returns the number of commands queued but not yet applied.
func (r *Reconciler) Pending() int {
	return r.pending.Len()
}

// Run drains and applies queued commands until the context is canceled.
// The ticker is a safety net in case a signal is ever missed.
func (r *Reconciler) Run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.signal:
			r.drain()
		case <-tick.C:
			r.drain()
		}
	}
}

// Drain applies all currently queued commands in order. Exposed for callers
// that apply synchronously instead of running the loop.
func (r *Reconciler) Drain() {
	r.drain()
}

func (r *Reconciler) drain() {
	cmds := r.pending.DrainAll()
	if len(cmds) == 0 {
		return
	}
	for _, c := range cmds {
		e := r.entityFor(c)
		if err := r.store.Upsert(e); err != nil {
			// Submit already validated, so this only fires if the
			// store rules changed underneath us.
			r.log.Error().Str("type", c.Type).Err(err).Msg("applying command")
			continue
		}
		r.log.Debug().Str("type", c.Type).Msg("command applied")
	}
	r.notifier.Nudge()
}
