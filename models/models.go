package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DroneID is the opaque identifier of a drone. Clients send it either as a
// JSON string or as a JSON number; both decode to the same id.
type DroneID string

func (id *DroneID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = DroneID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("drone id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("drone id must be an integer: %s", n)
	}
	*id = DroneID(n.String())
	return nil
}

func (id DroneID) String() string {
	return string(id)
}

// Position is a geographic fix reported by the control engine.
type Position struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Alt     *float64 `json:"alt,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

// TelemetryEntry is one element of a `positions` batch.
type TelemetryEntry struct {
	ID      DroneID  `json:"id"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Alt     *float64 `json:"alt,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

// DroneView is a drone record annotated with its alert flag, as sent to
// dashboards in `drones` snapshots.
type DroneView struct {
	ID         DroneID   `json:"id"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	Alt        *float64  `json:"alt,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	HumanCount int       `json:"human_count"`
	Alert      bool      `json:"alert"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DroneList is the `drones` snapshot event. Dashboards parse it with
// JSON.parse, so it is encoded as a JSON string holding the array. Decoding
// accepts either form.
type DroneList []DroneView

func (l DroneList) MarshalJSON() ([]byte, error) {
	views := []DroneView(l)
	if views == nil {
		views = []DroneView{}
	}
	inner, err := json.Marshal(views)
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

func (l *DroneList) UnmarshalJSON(data []byte) error {
	doc, err := UnwrapPayload(data)
	if err != nil {
		return err
	}
	var views []DroneView
	if err := json.Unmarshal(doc, &views); err != nil {
		return err
	}
	*l = views
	return nil
}

// DroneFeed is the legacy `drone_feed` payload: a frame already scored by
// the inference agent.
type DroneFeed struct {
	DroneID    DroneID `json:"drone_id"`
	Frame      string  `json:"frame"`
	HumanCount int     `json:"human_count"`
}

// AlertNotify is the body of `POST /alert`.
type AlertNotify struct {
	Drone DroneID `json:"drone"`
	Frame string  `json:"frame"`
}

// DismissAlert is the `dismiss_alert` payload sent by dashboards.
type DismissAlert struct {
	Drone     DroneID `json:"drone"`
	Confirmed bool    `json:"confirmed"`
}

// DroneCommand addresses a single drone: `drone_pause`, `drone_go` and
// `stop_override`.
type DroneCommand struct {
	Drone DroneID `json:"drone"`
}

// MoveCommand is the rescue command built on alert confirmation.
type MoveCommand struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	ID  string  `json:"id"`
}

// DroneUpdate is emitted to dashboards after every detection report.
type DroneUpdate struct {
	DroneID    DroneID `json:"drone_id"`
	HumanCount int     `json:"human_count"`
}

// AlertNotice tells dashboards a drone has a new pending alert.
type AlertNotice struct {
	Drone    DroneID   `json:"drone"`
	AlertID  string    `json:"alert_id"`
	RaisedAt time.Time `json:"raised_at"`
}

// Rejection is emitted back to the socket whose message was refused.
type Rejection struct {
	Event  string  `json:"event"`
	Drone  DroneID `json:"drone,omitempty"`
	Reason string  `json:"reason"`
}

var ErrEmptyPayload = errors.New("empty payload")

// UnwrapPayload returns the JSON document carried by an inbound socket
// payload. Some clients emit the document as a JSON string, so a string
// wrapping JSON is unwrapped once.
func UnwrapPayload(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyPayload
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, err
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil, ErrEmptyPayload
	}
	return json.RawMessage(inner), nil
}

// DecodePayload unwraps an inbound socket payload and decodes it into v.
func DecodePayload(raw json.RawMessage, v any) error {
	doc, err := UnwrapPayload(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}
