// Package alerts owns the lifecycle of human-detection alerts.
//
// Each drone has at most one alert, which is either absent or Pending. A
// Pending alert leaves that state only through an explicit operator
// resolution: confirmation (rescue dispatched, evidence handed to the
// explainer) or dismissal (evidence dropped, drone resumed). Both outcomes
// remove the record, so the drone can be alerted again later.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"flight-for-life/hub"
	"flight-for-life/metrics"
	"flight-for-life/models"
	"flight-for-life/utils"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"
)

var (
	ErrUnknownAlert        = errors.New("no pending alert for drone")
	ErrUnknownDrone        = errors.New("drone has no known position")
	ErrCollaboratorFailure = errors.New("external collaborator failed")
	ErrMissingDrone        = errors.New("drone id is required")
)

// Outbound event names emitted by the ledger.
const (
	EventDronePause = "drone_pause"
	EventDroneAlert = "drone_alert"
)

// Transition kinds reported to observers and metrics.
const (
	TransitionRaised    = "raised"
	TransitionConfirmed = "confirmed"
	TransitionDismissed = "dismissed"
)

const defaultHandoffTimeout = 2 * time.Minute

// Publisher is the part of the broadcast hub the ledger needs.
type Publisher interface {
	Publish(class hub.Class, event string, payload any) (int, error)
}

// Evidence is handed to the Explainer when an alert is confirmed. The
// Explainer owns Frame from then on.
type Evidence struct {
	AlertID  string
	Drone    models.DroneID
	Frame    []byte
	Position models.Position
	RaisedAt time.Time
}

// Explainer consumes the evidence frame of a confirmed alert.
type Explainer interface {
	Explain(ctx context.Context, ev Evidence) error
}

// Transition describes a committed state change.
type Transition struct {
	AlertID string         `json:"alert_id"`
	Drone   models.DroneID `json:"drone"`
	Kind    string         `json:"kind"`
	At      time.Time      `json:"at"`
}

// Observer is notified of every committed transition, outside the critical
// section.
type Observer interface {
	Observe(ctx context.Context, t Transition) error
}

// Info is the frame-free view of a pending alert.
type Info struct {
	ID        string         `json:"id"`
	Drone     models.DroneID `json:"drone"`
	RaisedAt  time.Time      `json:"raised_at"`
	FrameSize int            `json:"frame_size"`
}

// Resolution is what Resolve hands to its commit callback and returns.
// The callback may fill Position for a confirmation.
type Resolution struct {
	Alert     Info
	Confirmed bool
	Position  models.Position
}

type alert struct {
	id       string
	drone    models.DroneID
	raisedAt time.Time
	frame    []byte
}

func (a *alert) info() Info {
	return Info{ID: a.id, Drone: a.drone, RaisedAt: a.raisedAt, FrameSize: len(a.frame)}
}

// Ledger is the alert state machine. All transitions go through one mutex,
// so raise and resolve for the same drone never interleave.
type Ledger struct {
	mu      sync.RWMutex
	pending map[models.DroneID]*alert

	publisher Publisher
	explainer Explainer
	observers []Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	wg sync.WaitGroup
}

type Option func(*Ledger)

func WithExplainer(e Explainer) Option {
	return func(l *Ledger) { l.explainer = e }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithHandoffTimeout bounds each explainer or observer call.
func WithHandoffTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewLedger(publisher Publisher, opts ...Option) *Ledger {
	l := &Ledger{
		pending:   make(map[models.DroneID]*alert),
		publisher: publisher,
		logger:    utils.GetLogger(),
		now:       time.Now,
		timeout:   defaultHandoffTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Raise opens an alert for drone, buffering frame as evidence. The ledger
// takes ownership of frame. If the drone already has a pending alert nothing
// happens and raised is false.
func (l *Ledger) Raise(ctx context.Context, drone models.DroneID, frame []byte) (Info, bool, error) {
	if drone == "" {
		return Info{}, false, ErrMissingDrone
	}

	l.mu.Lock()
	if a, ok := l.pending[drone]; ok {
		info := a.info()
		l.mu.Unlock()
		l.logger.DebugContext(ctx, "alert already pending", slog.String("drone", drone.String()))
		return info, false, nil
	}

	a := &alert{
		id:       uuid.NewString(),
		drone:    drone,
		raisedAt: l.now().UTC(),
		frame:    frame,
	}
	l.pending[drone] = a
	info := a.info()

	// queued while still holding the lock so a concurrent resolve cannot
	// overtake the pause
	l.publish(ctx, hub.ControlEngine, EventDronePause, models.DroneCommand{Drone: drone})
	l.publish(ctx, hub.Dashboard, EventDroneAlert, models.AlertNotice{Drone: drone, AlertID: a.id, RaisedAt: a.raisedAt})
	l.mu.Unlock()

	l.metrics.Transition(TransitionRaised)
	l.logger.InfoContext(ctx, "alert raised",
		slog.String("drone", drone.String()),
		slog.String("alertID", a.id),
		slog.Int("frameBytes", len(frame)),
	)
	l.notify(Transition{AlertID: a.id, Drone: drone, Kind: TransitionRaised, At: a.raisedAt})
	return info, true, nil
}

// Resolve closes the pending alert of drone. commit runs inside the critical
// section, after the alert is found and before it is removed; returning an
// error from commit leaves the alert Pending. commit must not call back into
// the ledger.
//
// On confirmation the buffered frame is handed to the explainer after the
// lock is released; on dismissal it is discarded.
func (l *Ledger) Resolve(ctx context.Context, drone models.DroneID, confirmed bool, commit func(*Resolution) error) (Resolution, error) {
	l.mu.Lock()
	a, ok := l.pending[drone]
	if !ok {
		l.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownAlert, drone)
	}

	res := Resolution{Alert: a.info(), Confirmed: confirmed}
	if commit != nil {
		if err := commit(&res); err != nil {
			l.mu.Unlock()
			return res, err
		}
	}
	delete(l.pending, drone)
	frame := a.frame
	a.frame = nil
	l.mu.Unlock()

	kind := TransitionDismissed
	if confirmed {
		kind = TransitionConfirmed
	}
	l.metrics.Transition(kind)
	l.logger.InfoContext(ctx, "alert resolved",
		slog.String("drone", drone.String()),
		slog.String("alertID", a.id),
		slog.String("outcome", kind),
	)
	l.notify(Transition{AlertID: a.id, Drone: drone, Kind: kind, At: l.now().UTC()})

	if confirmed && l.explainer != nil && len(frame) > 0 {
		l.handoff(Evidence{
			AlertID:  a.id,
			Drone:    drone,
			Frame:    frame,
			Position: res.Position,
			RaisedAt: a.raisedAt,
		})
	}
	return res, nil
}

// IsActive reports whether drone has a pending alert.
func (l *Ledger) IsActive(drone models.DroneID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pending[drone]
	return ok
}

// Pending lists pending alerts, oldest first.
func (l *Ledger) Pending() []Info {
	l.mu.RLock()
	out := make([]Info, 0, len(l.pending))
	for _, a := range l.pending {
		out = append(out, a.info())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].Drone < out[j].Drone
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

// Wait blocks until every in-flight explainer and observer call returns.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

func (l *Ledger) publish(ctx context.Context, class hub.Class, event string, payload any) {
	if l.publisher == nil {
		return
	}
	if _, err := l.publisher.Publish(class, event, payload); err != nil {
		l.logger.WarnContext(ctx, "failed to publish alert event",
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}

// handoff runs the explainer in the background. Its result never feeds back
// into the state machine.
func (l *Ledger) handoff(ev Evidence) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		if err := l.explainer.Explain(ctx, ev); err != nil {
			l.metrics.CollaboratorFailed("explainer")
			err := xerrors.New(fmt.Errorf("%w: %w", ErrCollaboratorFailure, err))
			l.logger.ErrorContext(ctx, "evidence hand-off failed",
				slog.String("drone", ev.Drone.String()),
				slog.String("alertID", ev.AlertID),
				slog.Any("error", err),
			)
		}
	}()
}

func (l *Ledger) notify(t Transition) {
	for _, o := range l.observers {
		l.wg.Add(1)
		go func(o Observer) {
			defer l.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
			defer cancel()

			if err := o.Observe(ctx, t); err != nil {
				l.metrics.CollaboratorFailed("observer")
				err := xerrors.New(fmt.Errorf("%w: %w", ErrCollaboratorFailure, err))
				l.logger.WarnContext(ctx, "transition observer failed",
					slog.String("drone", t.Drone.String()),
					slog.String("kind", t.Kind),
					slog.Any("error", err),
				)
			}
		}(o)
	}
}
