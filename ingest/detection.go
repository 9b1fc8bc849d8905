package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"flight-for-life/alerts"
	"flight-for-life/fleet"
	"flight-for-life/hub"
	"flight-for-life/metrics"
	"flight-for-life/models"
	"flight-for-life/utils"
)

var ErrInvalidDetectionReport = errors.New("invalid detection report")

const (
	EventDroneUpdate = "drone_update"
	EventDrones      = "drones"
)

// FrameSink keeps frames for the HTTP surface: the latest per drone and the
// frame each alert was raised with.
type FrameSink interface {
	Put(drone models.DroneID, frame []byte)
	PutEvidence(alertID string, frame []byte)
}

// Report is one scored frame from an inference agent.
type Report struct {
	Drone      models.DroneID
	HumanCount int
	Frame      []byte
}

// ReportResult tells the caller what a report changed.
type ReportResult struct {
	View   models.DroneView
	Alert  alerts.Info
	Raised bool
}

// Detections ingests per-frame detection summaries.
//
// A report with zero humans only updates the count; it never resolves an
// alert. Only an operator closes a pending alert.
type Detections struct {
	registry  *fleet.Registry
	ledger    *alerts.Ledger
	publisher alerts.Publisher
	frames    FrameSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewDetections(registry *fleet.Registry, ledger *alerts.Ledger, publisher alerts.Publisher, frames FrameSink, m *metrics.Metrics) *Detections {
	return &Detections{
		registry:  registry,
		ledger:    ledger,
		publisher: publisher,
		frames:    frames,
		metrics:   m,
		logger:    utils.GetLogger(),
		now:       time.Now,
	}
}

func (d *Detections) Report(ctx context.Context, agentID string, r Report) (ReportResult, error) {
	if err := validateReport(r); err != nil {
		d.metrics.Rejected("invalid_detection_report")
		d.logger.WarnContext(ctx, "dropping detection report",
			slog.String("socketID", agentID),
			slog.String("drone", r.Drone.String()),
			slog.Any("error", err),
		)
		return ReportResult{}, err
	}

	view := d.registry.UpsertDetectionCount(r.Drone, r.HumanCount, d.now().UTC())
	if d.frames != nil {
		d.frames.Put(r.Drone, r.Frame)
	}
	d.publish(ctx, EventDroneUpdate, models.DroneUpdate{DroneID: r.Drone, HumanCount: r.HumanCount})

	result := ReportResult{View: view}
	if r.HumanCount <= 0 {
		return result, nil
	}

	info, raised, err := d.ledger.Raise(ctx, r.Drone, r.Frame)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidDetectionReport, err)
	}
	result.Alert, result.Raised = info, raised
	if raised {
		if d.frames != nil {
			d.frames.PutEvidence(info.ID, r.Frame)
		}
		d.publish(ctx, EventDrones, models.DroneList(d.registry.Snapshot()))
		result.View.Alert = true
	}
	d.logger.InfoContext(ctx, "humans detected",
		slog.String("socketID", agentID),
		slog.String("drone", r.Drone.String()),
		slog.Int("humanCount", r.HumanCount),
		slog.Bool("newAlert", raised),
	)
	return result, nil
}

func (d *Detections) publish(ctx context.Context, event string, payload any) {
	if _, err := d.publisher.Publish(hub.Dashboard, event, payload); err != nil {
		d.logger.WarnContext(ctx, "failed to publish", slog.String("event", event), slog.Any("error", err))
	}
}

func validateReport(r Report) error {
	switch {
	case r.Drone == "":
		return fmt.Errorf("%w: missing drone id", ErrInvalidDetectionReport)
	case len(r.Frame) == 0:
		return fmt.Errorf("%w: missing frame", ErrInvalidDetectionReport)
	case r.HumanCount < 0:
		return fmt.Errorf("%w: negative human count %d", ErrInvalidDetectionReport, r.HumanCount)
	}
	return nil
}

// DecodeFrame decodes a base64 frame as sent by inference agents. A data-URL
// prefix is accepted.
func DecodeFrame(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: missing frame", ErrInvalidDetectionReport)
	}
	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: frame is not base64: %w", ErrInvalidDetectionReport, err)
	}
	return frame, nil
}
