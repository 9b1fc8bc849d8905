// Package notify carries confirmed-alert evidence and alert transitions to
// systems outside the hub: first responders by SMS and subscribers on NATS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"flight-for-life/alerts"
	"flight-for-life/models"
	"flight-for-life/utils"
)

// Describer turns an evidence frame into a short text assessment.
type Describer interface {
	Describe(ctx context.Context, frame []byte) (string, error)
}

// Message is a rescue notification.
type Message struct {
	Drone    models.DroneID
	Body     string
	MediaURL string
}

// Messenger delivers a rescue notification.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Rescue consumes the evidence of a confirmed alert: it asks the describer
// for an assessment and sends it to every messenger. It implements
// alerts.Explainer.
type Rescue struct {
	describer  Describer
	messengers []Messenger
	baseURL    string
	logger     *slog.Logger
}

func NewRescue(describer Describer, baseURL string, messengers ...Messenger) *Rescue {
	return &Rescue{
		describer:  describer,
		messengers: messengers,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     utils.GetLogger(),
	}
}

// Explain never retries. A failed description still produces a
// notification with a generic body.
func (r *Rescue) Explain(ctx context.Context, ev alerts.Evidence) error {
	var errs []error

	body := ""
	if r.describer != nil {
		text, err := r.describer.Describe(ctx, ev.Frame)
		if err != nil {
			errs = append(errs, fmt.Errorf("describe frame: %w", err))
		}
		body = text
	}
	if body == "" {
		body = "Person detected, rescue dispatched."
	}

	msg := Message{
		Drone: ev.Drone,
		Body: fmt.Sprintf("Drone %s at %.6f, %.6f: %s",
			ev.Drone, ev.Position.Lat, ev.Position.Lng, body),
	}
	if r.baseURL != "" {
		msg.MediaURL = r.baseURL + "/api/alerts/" + url.PathEscape(ev.AlertID) + "/frame"
	}

	for _, m := range r.messengers {
		if err := m.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("send notification: %w", err))
		}
	}

	r.logger.InfoContext(ctx, "rescue notification processed",
		slog.String("drone", ev.Drone.String()),
		slog.String("alertID", ev.AlertID),
		slog.Int("messengers", len(r.messengers)),
		slog.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}
