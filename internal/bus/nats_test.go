package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"apipulse/internal/alerting"
	"apipulse/internal/model"
)

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	data, err := EncodeEvent(alerting.ActionCreated, model.AlertRecord{
		ID:          7,
		APIName:     "/api/pay",
		Environment: "prod",
		AlertType:   "error_rate",
		Value:       12.5,
		Severity:    model.SeverityHigh,
		IsActive:    true,
	}, at)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Action != alerting.ActionCreated || evt.Alert.ID != 7 || evt.Alert.Severity != model.SeverityHigh || !evt.SentAt.Equal(at) {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestNotifyPublishesEvent(t *testing.T) {
	url := runServer(t)
	p, err := NewPublisher(url, "apipulse.alerts")
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	t.Cleanup(p.Close)

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(sub.Close)
	inbox, err := sub.SubscribeSync("apipulse.alerts")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	alert := model.AlertRecord{ID: 3, APIName: "/api/pay", Environment: "prod", AlertType: "response_time", Value: 950, Severity: model.SeverityMedium, IsActive: true}
	if err := p.Notify(context.Background(), alerting.ActionUpdated, alert); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msg, err := inbox.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Action != alerting.ActionUpdated || evt.Alert.ID != 3 || evt.Alert.Value != 950 || evt.SentAt.IsZero() {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func runServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}
