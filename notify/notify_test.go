package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"flight-for-life/alerts"
	"flight-for-life/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeDescriber struct {
	text string
	err  error
}

func (f fakeDescriber) Describe(context.Context, []byte) (string, error) { return f.text, f.err }

type fakeMessenger struct {
	sent []Message
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, msg Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func evidence() alerts.Evidence {
	return alerts.Evidence{
		AlertID:  "a1",
		Drone:    "7",
		Frame:    []byte("jpeg"),
		Position: models.Position{Lat: 1, Lng: 2},
		RaisedAt: time.Now(),
	}
}

func TestRescueSendsDescription(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	r := NewRescue(fakeDescriber{text: "One adult, conscious."}, "https://hub.example/", m)

	require.NoError(t, r.Explain(context.Background(), evidence()))
	require.Len(t, m.sent, 1)
	assert.Contains(t, m.sent[0].Body, "One adult, conscious.")
	assert.Contains(t, m.sent[0].Body, "Drone 7")
	assert.Equal(t, "https://hub.example/api/alerts/a1/frame", m.sent[0].MediaURL)
}

func TestRescueFallsBackWhenDescriptionFails(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	r := NewRescue(fakeDescriber{err: errors.New("quota")}, "", m)

	err := r.Explain(context.Background(), evidence())
	assert.Error(t, err)
	require.Len(t, m.sent, 1, "responders are still notified")
	assert.Contains(t, m.sent[0].Body, "rescue dispatched")
	assert.Empty(t, m.sent[0].MediaURL)
}

func TestRescueReportsMessengerFailure(t *testing.T) {
	t.Parallel()

	ok := &fakeMessenger{}
	broken := &fakeMessenger{err: errors.New("unreachable")}
	r := NewRescue(nil, "", broken, ok)

	assert.Error(t, r.Explain(context.Background(), evidence()))
	assert.Len(t, ok.sent, 1)
}

type fakeCreator struct {
	params *twilioApi.CreateMessageParams
}

func (f *fakeCreator) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = p
	return &twilioApi.ApiV2010Message{}, nil
}

func TestSMSBuildsTwilioParams(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	s := &SMS{api: creator, from: "+1000", to: "+2000"}

	require.NoError(t, s.Send(context.Background(), Message{Drone: "7", Body: "help", MediaURL: "https://x/drone/7"}))
	require.NotNil(t, creator.params)
	assert.Equal(t, "+1000", *creator.params.From)
	assert.Equal(t, "+2000", *creator.params.To)
	assert.Equal(t, "help", *creator.params.Body)
	assert.Equal(t, []string{"https://x/drone/7"}, *creator.params.MediaUrl)
}

func TestSMSTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	s := &SMS{api: creator, from: "+1000", to: "+2000"}

	// one ASCII byte shifts every two-byte rune across the limit
	long := "x" + strings.Repeat("é", maxSMSBody)
	require.NoError(t, s.Send(context.Background(), Message{Drone: "7", Body: long}))

	body := *creator.params.Body
	assert.True(t, utf8.ValidString(body))
	assert.LessOrEqual(t, len(body), maxSMSBody)
	assert.Equal(t, maxSMSBody-1, len(body))
	assert.Nil(t, creator.params.MediaUrl)
}

func TestNewSMSRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewSMS("", "", "+1", "+2")
	assert.Error(t, err)
	_, err = NewSMS("AC1", "tok", "", "+2")
	assert.Error(t, err)
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSFanoutSubjects(t *testing.T) {
	t.Parallel()

	pub := &fakeNATS{}
	fan := newNATSFanout(nil, pub, "rescue.alerts.")

	tr := alerts.Transition{AlertID: "a1", Drone: "7", Kind: alerts.TransitionConfirmed, At: time.Now().UTC()}
	require.NoError(t, fan.Observe(context.Background(), tr))

	assert.Equal(t, []string{"rescue.alerts.confirmed"}, pub.subjects)
	var got alerts.Transition
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, models.DroneID("7"), got.Drone)

	assert.Equal(t, DefaultSubject, newNATSFanout(nil, pub, "").subject)
	fan.Close()
}
