package mqtt

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

type recordingHandler struct {
	topic    string
	received []string
}

func (rh *recordingHandler) MqttHandle(pub *paho.Publish) {
	rh.received = append(rh.received, string(pub.Payload))
}

func (rh *recordingHandler) MqttSubscribeTopic() string {
	return rh.topic
}

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"tophat/rs485/send", "tophat/rs485/send", true},
		{"tophat/rs485/send", "tophat/rs485/rx", false},
		{"tophat/+/send", "tophat/rs485/send", true},
		{"tophat/#", "tophat/gpio/set", true},
		{"tophat/#", "other/gpio/set", false},
		{"tophat/gpio", "tophat/gpio/set", false},
		{"tophat/gpio/set/extra", "tophat/gpio/set", false},
	}

	for _, c := range cases {
		t.Run(c.filter+" "+c.topic, func(t *testing.T) {
			assertBools(t, TopicMatches(c.filter, c.topic), c.want)
		})
	}
}

func TestDispatch(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tophat-test")
	if err != nil {
		t.Fatalf("NewMqttClient returned error: %v", err)
	}

	send := &recordingHandler{topic: "tophat/rs485/send"}
	gpio := &recordingHandler{topic: "tophat/gpio/set"}
	mc.handlers = []MqttHandler{send, gpio}

	handled := mc.dispatch(&paho.Publish{Topic: "tophat/rs485/send", Payload: []byte("hello")})
	assertBools(t, handled, true)

	handled = mc.dispatch(&paho.Publish{Topic: "tophat/unknown", Payload: []byte("x")})
	assertBools(t, handled, false)

	if len(send.received) != 1 || send.received[0] != "hello" {
		t.Errorf("send handler got %v", send.received)
	}
	if len(gpio.received) != 0 {
		t.Errorf("gpio handler should not receive, got %v", gpio.received)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tophat-test")
	if err != nil {
		t.Fatalf("NewMqttClient returned error: %v", err)
	}

	if err := mc.Publish("tophat/state", []byte("{}")); err == nil {
		t.Error("expected error when publishing before Connect")
	}
}

func TestConnectRefusedStopsManager(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	mc, err := NewMqttClient("mqtt://"+addr, "tophat-test")
	if err != nil {
		t.Fatalf("NewMqttClient returned error: %v", err)
	}
	mc.ConnectTimeout = 300 * time.Millisecond

	before := runtime.NumGoroutine()
	err = mc.Connect([]MqttHandler{&recordingHandler{topic: "tophat/gpio/set"}})
	if err == nil {
		t.Fatal("expected error connecting to a closed port")
	}
	if mc.connection() != nil {
		t.Error("connection manager kept after failed Connect")
	}
	if err := mc.Publish("tophat/state", []byte("{}")); err == nil {
		t.Error("expected publish error after failed Connect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Errorf("goroutines left running: before %d after %d", before, got)
	}

	if err := mc.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect after failed Connect: %v", err)
	}
}
