package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"apipulse/internal/alerting"
	"apipulse/internal/model"
)

// Publisher sends alert events to a NATS subject.
type Publisher struct {
	Conn    *nats.Conn
	subject string
}

type Event struct {
	Action alerting.Action   `json:"action"`
	Alert  model.AlertRecord `json:"alert"`
	SentAt time.Time         `json:"sent_at"`
}

func NewPublisher(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("apipulse"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn, subject: subject}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

// Notify implements alerting.Notifier.
func (p *Publisher) Notify(_ context.Context, action alerting.Action, alert model.AlertRecord) error {
	data, err := EncodeEvent(action, alert, time.Now().UTC())
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.subject, data)
}

func EncodeEvent(action alerting.Action, alert model.AlertRecord, at time.Time) ([]byte, error) {
	return json.Marshal(Event{Action: action, Alert: alert, SentAt: at})
}
