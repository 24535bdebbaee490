package tophat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
	"github.com/Cirkitscape/Top-HAT-Dashboard/mqtt"
)

type published struct {
	topic   string
	payload string
}

type fakePublisher struct {
	// hold, when set, blocks every Publish until closed
	hold     chan struct{}
	lock     sync.Mutex
	messages []published
}

func (fp *fakePublisher) Publish(topic string, payload []byte) error {
	if fp.hold != nil {
		<-fp.hold
	}
	fp.lock.Lock()
	defer fp.lock.Unlock()
	fp.messages = append(fp.messages, published{topic: topic, payload: string(payload)})
	return nil
}

func (fp *fakePublisher) find(topic string) (published, bool) {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	for _, msg := range fp.messages {
		if msg.topic == topic {
			return msg, true
		}
	}
	return published{}, false
}

func findHandler(t testing.TB, handlers []mqtt.MqttHandler, topic string) mqtt.MqttHandler {
	t.Helper()

	for _, h := range handlers {
		if h.MqttSubscribeTopic() == topic {
			return h
		}
	}
	t.Fatalf("no handler for %s", topic)
	return nil
}

func TestPublishState(t *testing.T) {
	th, _ := newMockBoard(t)
	pub := &fakePublisher{}
	th.attachPublisher(pub)

	th.PublishTelemetry(context.Background())

	msg, found := pub.find("tophat/state")
	if !found {
		t.Fatal("state not published")
	}
	snap := map[string]interface{}{}
	assertNoError(t, json.Unmarshal([]byte(msg.payload), &snap))
	if _, found := snap["hardware_status"]; !found {
		t.Errorf("state payload misses hardware_status: %s", msg.payload)
	}
}

func TestForwardRs485(t *testing.T) {
	th, mb := newMockBoard(t)
	th.MqttPrefix = "lab"
	pub := &fakePublisher{}
	th.attachPublisher(pub)

	mb.Serial.Feed("temp=21.5\n")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg, found := pub.find("lab/rs485/rx"); found {
			assertString(t, msg.payload, "temp=21.5")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rs485 line not forwarded")
}

func TestMqttRs485Send(t *testing.T) {
	th, mb := newMockBoard(t)

	handler := findHandler(t, th.mqttHandlers(), "tophat/rs485/send")
	handler.MqttHandle(&paho.Publish{Topic: "tophat/rs485/send", Payload: []byte("from broker")})

	assertString(t, mb.Serial.Written(), "from broker\n")
}

func TestMqttGpioSet(t *testing.T) {
	th, mb := newMockBoard(t)
	handler := findHandler(t, th.mqttHandlers(), "tophat/gpio/set")

	handler.MqttHandle(&paho.Publish{Payload: []byte(`{"port":"B","pin":2,"state":1}`)})
	if th.Mcp23017.Outputs()[drivers.PortB] != 0b100 {
		t.Errorf("got outputs %v", th.Mcp23017.Outputs())
	}

	handler.MqttHandle(&paho.Publish{Payload: []byte(`{"port":"rpi","pin":25,"state":1}`)})
	if !mb.Chip.Level(25) {
		t.Error("native pin 25 not driven high")
	}

	// bad payloads are logged and dropped
	handler.MqttHandle(&paho.Publish{Payload: []byte(`not json`)})
}

func TestApplyGpioCommand(t *testing.T) {
	th, _ := newMockBoard(t)

	cases := []struct {
		name string
		cmd  GpioCommand
		want error
	}{
		{"bad port", GpioCommand{Port: "C", Pin: 0, State: 1}, drivers.ErrInvalidPort},
		{"expander pin out of range", GpioCommand{Port: "A", Pin: 8, State: 1}, drivers.ErrInvalidPin},
		{"negative pin", GpioCommand{Port: "A", Pin: -1, State: 1}, drivers.ErrInvalidPin},
		{"unconfigured native pin", GpioCommand{Port: "RPI", Pin: 4, State: 1}, drivers.ErrPinNotConfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := th.ApplyGpioCommand(tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v want %v", err, tc.want)
			}
		})
	}

	if err := th.ApplyGpioCommand(GpioCommand{Port: "A", Pin: 0, State: 5}); err == nil {
		t.Error("expected error for state 5")
	}
}

func TestApplyGpioCommandUnavailable(t *testing.T) {
	th := &TopHat{}
	th.InitMockDrivers(context.Background(), nil)

	err := th.ApplyGpioCommand(GpioCommand{Port: "A", Pin: 0, State: 1})
	if !errors.Is(err, drivers.ErrNotReady) {
		t.Errorf("got %v want ErrNotReady", err)
	}
}

func (fp *fakePublisher) count() int {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return len(fp.messages)
}

func TestForwardRs485SlowBroker(t *testing.T) {
	th, mb := newMockBoard(t)
	pub := &fakePublisher{hold: make(chan struct{})}
	th.attachPublisher(pub)

	lines := 3 * rs485ForwardQueue
	for i := 0; i < lines; i++ {
		mb.Serial.Feed(fmt.Sprintf("line %d\n", i))
	}
	last := fmt.Sprintf("line %d", lines-1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg := th.Rs485.LastMessage(); msg != nil && *msg == last {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if msg := th.Rs485.LastMessage(); msg == nil || *msg != last {
		t.Fatalf("receive loop stalled behind the broker, last: %v", msg)
	}

	close(pub.hold)
	time.Sleep(100 * time.Millisecond)
	// one in flight plus a full queue
	if got := pub.count(); got == 0 || got > rs485ForwardQueue+1 {
		t.Errorf("got %d published want 1..%d", got, rs485ForwardQueue+1)
	}
}

func TestStopForwarding(t *testing.T) {
	th, mb := newMockBoard(t)
	pub := &fakePublisher{}
	th.attachPublisher(pub)
	th.stopForwarding()

	mb.Serial.Feed("after stop\n")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg := th.Rs485.LastMessage(); msg != nil && *msg == "after stop" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if _, found := pub.find("tophat/rs485/rx"); found {
		t.Error("line forwarded after forwarding stopped")
	}
	// second stop and Close must not panic
	th.stopForwarding()
}
