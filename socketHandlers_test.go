package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"flight-for-life/alerts"
	"flight-for-life/command"
	"flight-for-life/hub"
	"flight-for-life/models"

	socketio "github.com/googollee/go-socket.io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type socketEvent struct {
	name    string
	payload json.RawMessage
}

// fakeSocket implements the parts of socketio.Conn the controller touches.
type fakeSocket struct {
	socketio.Conn

	id     string
	mu     sync.Mutex
	ctx    interface{}
	events []socketEvent
	closed bool
}

func newFakeSocket(id string) *fakeSocket { return &fakeSocket{id: id} }

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeSocket) SetContext(v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = v
}

func (f *fakeSocket) Context() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) Emit(event string, v ...interface{}) {
	var payload json.RawMessage
	if len(v) > 0 {
		payload, _ = json.Marshal(v[0])
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, socketEvent{name: event, payload: payload})
}

func (f *fakeSocket) named(event string) []socketEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []socketEvent
	for _, e := range f.events {
		if e.name == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func connect(t *testing.T, c *socketController, class hub.Class, id string) *fakeSocket {
	t.Helper()
	s := newFakeSocket(id)
	require.NoError(t, c.handleConnect(s, class))
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func rejection(t *testing.T, s *fakeSocket) models.Rejection {
	t.Helper()
	rejected := s.named(eventRejected)
	require.Len(t, rejected, 1)
	var r models.Rejection
	require.NoError(t, json.Unmarshal(rejected[0].payload, &r))
	return r
}

func wrapped(t *testing.T, doc string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestDashboardReceivesSnapshotOnConnect(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	lat, lng := 1.0, 2.0
	a.telemetry.ReportBatch(context.Background(), "engine", []models.TelemetryEntry{{ID: "5", Lat: &lat, Lng: &lng}})

	dash := connect(t, c, hub.Dashboard, "dash")
	engine := connect(t, c, hub.ControlEngine, "engine")

	waitFor(t, func() bool { return len(dash.named(command.EventDrones)) == 1 })
	assert.Equal(t, hub.Dashboard, dash.Context())

	raw := dash.named(command.EventDrones)[0].payload
	require.NotEmpty(t, raw)
	assert.Equal(t, byte('"'), raw[0], "drones is sent as a JSON string")

	var encoded string
	require.NoError(t, json.Unmarshal(raw, &encoded))
	var views []models.DroneView
	require.NoError(t, json.Unmarshal([]byte(encoded), &views))
	require.Len(t, views, 1)
	assert.Equal(t, models.DroneID("5"), views[0].ID)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engine.named(command.EventDrones))
}

func TestStringWrappedDismissWithoutAlertIsRejectedToSenderOnly(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	engine := connect(t, c, hub.ControlEngine, "engine")
	dash1 := connect(t, c, hub.Dashboard, "dash-1")
	dash2 := connect(t, c, hub.Dashboard, "dash-2")
	waitFor(t, func() bool {
		return len(dash1.named(command.EventDrones)) == 1 && len(dash2.named(command.EventDrones)) == 1
	})

	raw := wrapped(t, `{"drone":9,"confirmed":true}`)
	c.safely(dash1, "dismiss_alert", func(ctx context.Context) { c.handleDismissAlert(ctx, dash1, raw) })

	r := rejection(t, dash1)
	assert.Equal(t, "dismiss_alert", r.Event)
	assert.Equal(t, models.DroneID("9"), r.Drone)
	assert.Equal(t, "no pending alert for this drone", r.Reason)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, dash2.named(eventRejected))
	assert.Len(t, dash2.named(command.EventDrones), 1, "no snapshot broadcast")
	assert.Empty(t, engine.named(command.EventMoveCommand))
	assert.Empty(t, engine.named(command.EventDroneGo))
}

func TestDroneFeedWithoutFrameKeepsSocket(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	agent := connect(t, c, hub.InferenceAgent, "agent")

	c.safely(agent, "drone_feed", func(ctx context.Context) {
		c.handleDroneFeed(ctx, agent, json.RawMessage(`{"drone_id":3,"human_count":1}`))
	})

	r := rejection(t, agent)
	assert.Equal(t, "drone_feed", r.Event)
	assert.Equal(t, models.DroneID("3"), r.Drone)
	assert.False(t, agent.isClosed())
	assert.Equal(t, 1, a.hub.Count(hub.InferenceAgent))
	assert.False(t, a.ledger.IsActive("3"))

	feed := fmt.Sprintf(`{"drone_id":3,"human_count":1,"frame":%q}`, base64.StdEncoding.EncodeToString([]byte("jpeg")))
	c.safely(agent, "drone_feed", func(ctx context.Context) {
		c.handleDroneFeed(ctx, agent, wrapped(t, feed))
	})
	assert.Len(t, agent.named(eventRejected), 1)
	assert.True(t, a.ledger.IsActive("3"))
}

func TestDashboardMessageEchoedAsResponse(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	engine := connect(t, c, hub.ControlEngine, "engine")
	dash1 := connect(t, c, hub.Dashboard, "dash-1")
	dash2 := connect(t, c, hub.Dashboard, "dash-2")

	c.safely(dash1, "message", func(ctx context.Context) {
		c.echo(ctx, hub.Dashboard, "response", json.RawMessage(`{"text":"hello"}`))
	})

	waitFor(t, func() bool {
		return len(dash1.named("response")) == 1 && len(dash2.named("response")) == 1
	})
	assert.JSONEq(t, `{"text":"hello"}`, string(dash2.named("response")[0].payload))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engine.named("response"))
	assert.Empty(t, engine.named("message"))
}

func TestPositionsReportsInvalidEntries(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	engine := connect(t, c, hub.ControlEngine, "engine")
	dash := connect(t, c, hub.Dashboard, "dash")

	raw := wrapped(t, `[{"id":1,"lat":1,"lng":2},{"id":2,"lat":1}]`)
	c.safely(engine, "positions", func(ctx context.Context) { c.handlePositions(ctx, engine, raw) })

	r := rejection(t, engine)
	assert.Equal(t, "positions", r.Event)
	waitFor(t, func() bool { return len(dash.named(command.EventDrones)) == 2 })

	_, err := a.registry.Get("1")
	assert.NoError(t, err)
	assert.Empty(t, dash.named(eventRejected))
}

func TestStopOverrideUnknownDroneRejected(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	engine := connect(t, c, hub.ControlEngine, "engine")
	dash := connect(t, c, hub.Dashboard, "dash")

	c.safely(dash, "stop_override", func(ctx context.Context) {
		c.handleStopOverride(ctx, dash, wrapped(t, `{"drone":"42"}`))
	})

	r := rejection(t, dash)
	assert.Equal(t, "drone has not reported a position yet", r.Reason)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engine.named(command.EventDroneGo))
}

func TestHandlerPanicIsRejectedNotFatal(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	dash := connect(t, c, hub.Dashboard, "dash")

	c.safely(dash, "request_movement", func(context.Context) { panic("boom") })

	r := rejection(t, dash)
	assert.Equal(t, "request_movement", r.Event)
	assert.False(t, dash.isClosed())
}

func TestDisconnectLeavesHub(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	c := newSocketController(a)
	connect(t, c, hub.Dashboard, "dash")
	dash := newFakeSocket("dash")
	assert.Error(t, c.handleConnect(dash, hub.Dashboard), "duplicate join")

	c.handleDisconnect(dash, hub.Dashboard, "client namespace disconnect")
	assert.Zero(t, a.hub.Count(hub.Dashboard))
}

func TestRejectionReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no pending alert for this drone", rejectionReason(fmt.Errorf("%w: 7", alerts.ErrUnknownAlert)))
	assert.Equal(t, "drone has not reported a position yet", rejectionReason(fmt.Errorf("%w: 7", alerts.ErrUnknownDrone)))
	assert.Equal(t, "boom", rejectionReason(errors.New("boom")))
}

func TestNamespacesCoverEveryClass(t *testing.T) {
	t.Parallel()

	seen := map[hub.Class]bool{}
	for _, class := range namespaceClasses {
		assert.True(t, class.Valid())
		seen[class] = true
	}
	assert.Len(t, seen, 3)
}
