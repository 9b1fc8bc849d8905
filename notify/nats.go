package notify

import (
	"context"
	"encoding/json"
	"strings"

	"flight-for-life/alerts"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "flightforlife.alerts"

type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSFanout publishes every alert transition to `<subject>.<kind>`. It
// implements alerts.Observer.
type NATSFanout struct {
	conn    *nats.Conn
	pub     natsPublisher
	subject string
}

func NewNATSFanout(url, subject string, opts ...nats.Option) (*NATSFanout, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return newNATSFanout(nc, nc, subject), nil
}

func newNATSFanout(conn *nats.Conn, pub natsPublisher, subject string) *NATSFanout {
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSFanout{conn: conn, pub: pub, subject: subject}
}

func (n *NATSFanout) Observe(ctx context.Context, t alerts.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return n.pub.Publish(n.subject+"."+t.Kind, data)
}

// Close drains the connection.
func (n *NATSFanout) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
