package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"flight-for-life/alerts"
	"flight-for-life/fleet"
	"flight-for-life/hub"
	"flight-for-life/metrics"
	"flight-for-life/models"
	"flight-for-life/utils"
)

var ErrInvalidTelemetryEntry = errors.New("invalid telemetry entry")

// BatchResult summarises one `positions` batch.
type BatchResult struct {
	Updated int
	Invalid []error
}

// Telemetry ingests fleet position batches from the control engine.
type Telemetry struct {
	registry  *fleet.Registry
	publisher alerts.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewTelemetry(registry *fleet.Registry, publisher alerts.Publisher, m *metrics.Metrics) *Telemetry {
	return &Telemetry{
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		logger:    utils.GetLogger(),
		now:       time.Now,
	}
}

// ReportBatch applies every valid entry and then forwards the annotated
// fleet snapshot to dashboards. Invalid entries are skipped individually.
func (t *Telemetry) ReportBatch(ctx context.Context, engineID string, entries []models.TelemetryEntry) BatchResult {
	var res BatchResult
	at := t.now().UTC()
	for i, e := range entries {
		pos, err := validateEntry(e)
		if err != nil {
			res.Invalid = append(res.Invalid, t.reject(ctx, engineID, i, err))
			continue
		}
		t.registry.UpsertPosition(e.ID, pos, at)
		res.Updated++
	}
	t.broadcast(ctx, res)
	return res
}

// ReportRaw decodes a `positions` payload entry by entry so that one
// undecodable entry does not discard the rest of the batch.
func (t *Telemetry) ReportRaw(ctx context.Context, engineID string, raw json.RawMessage) (BatchResult, error) {
	var items []json.RawMessage
	if err := models.DecodePayload(raw, &items); err != nil {
		t.metrics.Rejected("invalid_message")
		return BatchResult{}, fmt.Errorf("positions payload must be an array: %w", err)
	}

	var res BatchResult
	at := t.now().UTC()
	for i, item := range items {
		var e models.TelemetryEntry
		if err := json.Unmarshal(item, &e); err != nil {
			res.Invalid = append(res.Invalid, t.reject(ctx, engineID, i, fmt.Errorf("%w: %w", ErrInvalidTelemetryEntry, err)))
			continue
		}
		pos, err := validateEntry(e)
		if err != nil {
			res.Invalid = append(res.Invalid, t.reject(ctx, engineID, i, err))
			continue
		}
		t.registry.UpsertPosition(e.ID, pos, at)
		res.Updated++
	}
	t.broadcast(ctx, res)
	return res, nil
}

func (t *Telemetry) broadcast(ctx context.Context, res BatchResult) {
	if res.Updated == 0 {
		return
	}
	if _, err := t.publisher.Publish(hub.Dashboard, EventDrones, models.DroneList(t.registry.Snapshot())); err != nil {
		t.logger.WarnContext(ctx, "failed to publish snapshot", slog.Any("error", err))
	}
}

func (t *Telemetry) reject(ctx context.Context, engineID string, index int, err error) error {
	t.metrics.Rejected("invalid_telemetry_entry")
	t.logger.WarnContext(ctx, "skipping telemetry entry",
		slog.String("socketID", engineID),
		slog.Int("index", index),
		slog.Any("error", err),
	)
	return err
}

func validateEntry(e models.TelemetryEntry) (models.Position, error) {
	if e.ID == "" {
		return models.Position{}, fmt.Errorf("%w: missing id", ErrInvalidTelemetryEntry)
	}
	if e.Lat == nil || e.Lng == nil {
		return models.Position{}, fmt.Errorf("%w: drone %s missing lat/lng", ErrInvalidTelemetryEntry, e.ID)
	}
	lat, lng := *e.Lat, *e.Lng
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return models.Position{}, fmt.Errorf("%w: drone %s out of range (%f, %f)", ErrInvalidTelemetryEntry, e.ID, lat, lng)
	}
	return models.Position{Lat: lat, Lng: lng, Alt: e.Alt, Heading: e.Heading}, nil
}
