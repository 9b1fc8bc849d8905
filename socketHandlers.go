package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"

	"flight-for-life/alerts"
	"flight-for-life/command"
	"flight-for-life/hub"
	"flight-for-life/ingest"
	"flight-for-life/models"
	"flight-for-life/utils"

	socketio "github.com/googollee/go-socket.io"
	"github.com/mdobak/go-xerrors"
)

// One socket.io namespace per participant class.
const (
	namespaceEngine    = "/unity"
	namespaceAgent     = "/ai"
	namespaceDashboard = "/frontend"
)

const eventRejected = "action_rejected"

var namespaceClasses = map[string]hub.Class{
	namespaceEngine:    hub.ControlEngine,
	namespaceAgent:     hub.InferenceAgent,
	namespaceDashboard: hub.Dashboard,
}

type socketController struct {
	app *app
}

func newSocketController(a *app) *socketController {
	return &socketController{app: a}
}

// register wires every namespace's handlers onto server.
func (c *socketController) register(server *socketio.Server) {
	for ns, class := range namespaceClasses {
		ns, class := ns, class
		server.OnConnect(ns, func(s socketio.Conn) error {
			return c.handleConnect(s, class)
		})
		server.OnDisconnect(ns, func(s socketio.Conn, reason string) {
			c.handleDisconnect(s, class, reason)
		})
		server.OnError(ns, func(s socketio.Conn, e error) {
			id := ""
			if s != nil {
				id = s.ID()
			}
			log.Printf("socket error on %s (%s): %v\n", ns, id, e)
		})
	}

	server.OnEvent(namespaceEngine, "positions", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "positions", func(ctx context.Context) { c.handlePositions(ctx, s, raw) })
	})
	server.OnEvent(namespaceEngine, "message", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "message", func(ctx context.Context) { c.echo(ctx, hub.ControlEngine, "message", raw) })
	})

	server.OnEvent(namespaceAgent, "drone_feed", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "drone_feed", func(ctx context.Context) { c.handleDroneFeed(ctx, s, raw) })
	})

	server.OnEvent(namespaceDashboard, "request_movement", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "request_movement", func(ctx context.Context) {
			c.rejectOnError(s, "request_movement", "", c.app.router.RequestMovement(ctx, s.ID(), raw))
		})
	})
	server.OnEvent(namespaceDashboard, "abort_movement", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "abort_movement", func(ctx context.Context) {
			c.rejectOnError(s, "abort_movement", "", c.app.router.AbortMovement(ctx, s.ID(), raw))
		})
	})
	server.OnEvent(namespaceDashboard, "stop_override", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "stop_override", func(ctx context.Context) { c.handleStopOverride(ctx, s, raw) })
	})
	server.OnEvent(namespaceDashboard, "dismiss_alert", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "dismiss_alert", func(ctx context.Context) { c.handleDismissAlert(ctx, s, raw) })
	})
	server.OnEvent(namespaceDashboard, "message", func(s socketio.Conn, raw json.RawMessage) {
		c.safely(s, "message", func(ctx context.Context) { c.echo(ctx, hub.Dashboard, "response", raw) })
	})
}

func (c *socketController) handleConnect(s socketio.Conn, class hub.Class) error {
	s.SetContext(class)

	var initial []hub.Event
	if class == hub.Dashboard {
		snapshot, err := hub.NewEvent(command.EventDrones, models.DroneList(c.app.registry.Snapshot()))
		if err != nil {
			return err
		}
		initial = append(initial, snapshot)
	}

	if _, err := c.app.hub.Join(class, s, initial...); err != nil {
		logger := utils.GetLogger()
		logger.Error("failed to join hub",
			slog.String("socketID", s.ID()),
			slog.String("class", string(class)),
			slog.Any("error", xerrors.New(err)),
		)
		return err
	}
	log.Printf("CONNECTED: %s as %s, remote addr: %s\n", s.ID(), class, s.RemoteAddr())
	return nil
}

func (c *socketController) handleDisconnect(s socketio.Conn, class hub.Class, reason string) {
	if err := c.app.hub.Leave(class, s.ID()); err != nil && !errors.Is(err, hub.ErrChannelNotFound) {
		log.Printf("failed to leave hub for %s: %v\n", s.ID(), err)
	}
	log.Printf("Socket disconnected - ID: %s, Class: %s, Reason: %s\n", s.ID(), class, reason)
}

func (c *socketController) handlePositions(ctx context.Context, s socketio.Conn, raw json.RawMessage) {
	res, err := c.app.telemetry.ReportRaw(ctx, s.ID(), raw)
	if err != nil {
		c.reject(s, "positions", "", err)
		return
	}
	if len(res.Invalid) > 0 {
		c.reject(s, "positions", "", errors.Join(res.Invalid...))
	}
}

func (c *socketController) handleDroneFeed(ctx context.Context, s socketio.Conn, raw json.RawMessage) {
	var feed models.DroneFeed
	if err := models.DecodePayload(raw, &feed); err != nil {
		c.reject(s, "drone_feed", "", errors.Join(ingest.ErrInvalidDetectionReport, err))
		return
	}
	frame, err := ingest.DecodeFrame(feed.Frame)
	if err != nil {
		c.reject(s, "drone_feed", feed.DroneID, err)
		return
	}
	_, err = c.app.detections.Report(ctx, s.ID(), ingest.Report{
		Drone:      feed.DroneID,
		HumanCount: feed.HumanCount,
		Frame:      frame,
	})
	c.rejectOnError(s, "drone_feed", feed.DroneID, err)
}

func (c *socketController) handleStopOverride(ctx context.Context, s socketio.Conn, raw json.RawMessage) {
	var cmd models.DroneCommand
	if err := models.DecodePayload(raw, &cmd); err != nil {
		c.reject(s, "stop_override", "", errors.Join(command.ErrInvalidMessage, err))
		return
	}
	c.rejectOnError(s, "stop_override", cmd.Drone, c.app.router.StopOverride(ctx, s.ID(), cmd.Drone))
}

func (c *socketController) handleDismissAlert(ctx context.Context, s socketio.Conn, raw json.RawMessage) {
	var req models.DismissAlert
	if err := models.DecodePayload(raw, &req); err != nil {
		c.reject(s, "dismiss_alert", "", errors.Join(command.ErrInvalidMessage, err))
		return
	}
	_, err := c.app.router.DismissAlert(ctx, s.ID(), req.Drone, req.Confirmed)
	c.rejectOnError(s, "dismiss_alert", req.Drone, err)
}

// echo mirrors a free-form message to every channel of class.
func (c *socketController) echo(ctx context.Context, class hub.Class, event string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	if _, err := c.app.hub.Publish(class, event, raw); err != nil {
		utils.GetLogger().WarnContext(ctx, "failed to echo message", slog.Any("error", err))
	}
}

// safely runs a handler with panic recovery so one bad message never takes
// the connection down.
func (c *socketController) safely(s socketio.Conn, event string, fn func(ctx context.Context)) {
	c.app.metrics.Inbound(event)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in %s handler for socket %s: %v\n", event, s.ID(), r)
			s.Emit(eventRejected, models.Rejection{Event: event, Reason: "internal server error during processing"})
		}
	}()
	fn(context.Background())
}

func (c *socketController) rejectOnError(s socketio.Conn, event string, drone models.DroneID, err error) {
	if err != nil {
		c.reject(s, event, drone, err)
	}
}

// reject answers only the requesting socket.
func (c *socketController) reject(s socketio.Conn, event string, drone models.DroneID, err error) {
	s.Emit(eventRejected, models.Rejection{Event: event, Drone: drone, Reason: rejectionReason(err)})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, alerts.ErrUnknownAlert):
		return "no pending alert for this drone"
	case errors.Is(err, alerts.ErrUnknownDrone):
		return "drone has not reported a position yet"
	default:
		return err.Error()
	}
}
