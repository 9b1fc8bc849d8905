package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"flight-for-life/alerts"
	"flight-for-life/fleet"
	"flight-for-life/hub"
	"flight-for-life/metrics"
	"flight-for-life/models"
	"flight-for-life/utils"
)

var ErrInvalidMessage = errors.New("invalid message")

// Outbound events toward the control engine.
const (
	EventMoveCommand      = "move_command"
	EventAbortMoveCommand = "abort_move_command"
	EventDroneGo          = "drone_go"
	EventDrones           = "drones"
)

const rescuePrefix = "rescue-"

// Router turns operator intents from dashboards into control-engine
// commands. Movement commands are relayed as-is after a shape check; alert
// dismissal goes through the ledger.
type Router struct {
	registry  *fleet.Registry
	ledger    *alerts.Ledger
	publisher alerts.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewRouter(registry *fleet.Registry, ledger *alerts.Ledger, publisher alerts.Publisher, m *metrics.Metrics) *Router {
	return &Router{
		registry:  registry,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		logger:    utils.GetLogger(),
	}
}

// movementShape is the subset of a movement command the router checks.
type movementShape struct {
	Lat   *float64        `json:"lat"`
	Lng   *float64        `json:"lng"`
	Drone *models.DroneID `json:"drone"`
}

// RequestMovement relays a `request_movement` command as `move_command`.
// The command must carry numeric lat and lng.
func (r *Router) RequestMovement(ctx context.Context, dashboardID string, raw json.RawMessage) error {
	doc, shape, err := r.decodeCommand(raw)
	if err != nil {
		return r.reject(ctx, dashboardID, "request_movement", "", err)
	}
	if shape.Lat == nil || shape.Lng == nil {
		return r.reject(ctx, dashboardID, "request_movement", "", fmt.Errorf("%w: lat and lng are required", ErrInvalidMessage))
	}
	if err := r.checkDrone(shape.Drone); err != nil {
		return r.reject(ctx, dashboardID, "request_movement", *shape.Drone, err)
	}
	return r.relay(ctx, EventMoveCommand, doc)
}

// AbortMovement relays an `abort_movement` command as `abort_move_command`.
func (r *Router) AbortMovement(ctx context.Context, dashboardID string, raw json.RawMessage) error {
	doc, shape, err := r.decodeCommand(raw)
	if err != nil {
		return r.reject(ctx, dashboardID, "abort_movement", "", err)
	}
	if err := r.checkDrone(shape.Drone); err != nil {
		return r.reject(ctx, dashboardID, "abort_movement", *shape.Drone, err)
	}
	return r.relay(ctx, EventAbortMoveCommand, doc)
}

// StopOverride forces a drone back to its scan path regardless of alert
// state.
func (r *Router) StopOverride(ctx context.Context, dashboardID string, drone models.DroneID) error {
	if drone == "" {
		return r.reject(ctx, dashboardID, "stop_override", "", fmt.Errorf("%w: drone is required", ErrInvalidMessage))
	}
	if err := r.checkDrone(&drone); err != nil {
		return r.reject(ctx, dashboardID, "stop_override", drone, err)
	}
	return r.relay(ctx, EventDroneGo, models.DroneCommand{Drone: drone})
}

// DismissAlert resolves the pending alert of drone. A confirmation sends a
// rescue move to the drone's most recent position; a dismissal resumes the
// drone. Both commands are queued before the alert record is released.
func (r *Router) DismissAlert(ctx context.Context, dashboardID string, drone models.DroneID, confirmed bool) (alerts.Resolution, error) {
	if drone == "" {
		return alerts.Resolution{}, r.reject(ctx, dashboardID, "dismiss_alert", "", fmt.Errorf("%w: drone is required", ErrInvalidMessage))
	}

	res, err := r.ledger.Resolve(ctx, drone, confirmed, func(res *alerts.Resolution) error {
		if !confirmed {
			_, err := r.publisher.Publish(hub.ControlEngine, EventDroneGo, models.DroneCommand{Drone: drone})
			return err
		}
		d, err := r.registry.Get(drone)
		if err != nil || !d.HasPosition() {
			return fmt.Errorf("%w: %s", alerts.ErrUnknownDrone, drone)
		}
		res.Position = *d.Position
		_, err = r.publisher.Publish(hub.ControlEngine, EventMoveCommand, models.MoveCommand{
			Lat: d.Position.Lat,
			Lng: d.Position.Lng,
			ID:  rescuePrefix + drone.String(),
		})
		return err
	})
	if err != nil {
		return res, r.reject(ctx, dashboardID, "dismiss_alert", drone, err)
	}

	if _, err := r.publisher.Publish(hub.Dashboard, EventDrones, models.DroneList(r.registry.Snapshot())); err != nil {
		r.logger.WarnContext(ctx, "failed to publish snapshot", slog.Any("error", err))
	}
	r.logger.InfoContext(ctx, "alert dismissed by operator",
		slog.String("socketID", dashboardID),
		slog.String("drone", drone.String()),
		slog.Bool("confirmed", confirmed),
	)
	return res, nil
}

func (r *Router) decodeCommand(raw json.RawMessage) (json.RawMessage, movementShape, error) {
	var shape movementShape
	doc, err := models.UnwrapPayload(raw)
	if err != nil {
		return nil, shape, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, shape, fmt.Errorf("%w: command must be an object", ErrInvalidMessage)
	}
	if err := json.Unmarshal(doc, &shape); err != nil {
		return nil, shape, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return doc, shape, nil
}

// checkDrone rejects commands naming a drone that never reported a position.
func (r *Router) checkDrone(drone *models.DroneID) error {
	if drone == nil || *drone == "" {
		return nil
	}
	d, err := r.registry.Get(*drone)
	if err != nil || !d.HasPosition() {
		return fmt.Errorf("%w: %s", alerts.ErrUnknownDrone, *drone)
	}
	return nil
}

func (r *Router) relay(ctx context.Context, event string, payload any) error {
	n, err := r.publisher.Publish(hub.ControlEngine, event, payload)
	if err != nil {
		return err
	}
	if n == 0 {
		r.logger.WarnContext(ctx, "no control engine connected", slog.String("event", event))
	}
	return nil
}

func (r *Router) reject(ctx context.Context, dashboardID, event string, drone models.DroneID, err error) error {
	kind := "invalid_message"
	switch {
	case errors.Is(err, alerts.ErrUnknownAlert):
		kind = "unknown_alert"
	case errors.Is(err, alerts.ErrUnknownDrone):
		kind = "unknown_drone"
	}
	r.metrics.Rejected(kind)
	r.logger.WarnContext(ctx, "rejected operator action",
		slog.String("socketID", dashboardID),
		slog.String("event", event),
		slog.String("drone", drone.String()),
		slog.Any("error", err),
	)
	return err
}
