package tophat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
	"github.com/Cirkitscape/Top-HAT-Dashboard/mqtt"
)

const rpiPort = "RPI"
const rs485ForwardQueue = 32

// GpioCommand is the payload of <prefix>/gpio/set. Port is A or B for the
// expander, RPI for a native pin.
type GpioCommand struct {
	Port  string `json:"port"`
	Pin   int    `json:"pin"`
	State int    `json:"state"`
}

type rs485SendHandler struct {
	th    *TopHat
	topic string
}

func (h *rs485SendHandler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *rs485SendHandler) MqttHandle(pub *paho.Publish) {
	if !h.th.Available(ComponentRs485) {
		h.th.log().Warn("dropping mqtt rs485 message, RS-485 not available")
		return
	}
	_, err := h.th.Rs485.Send(string(pub.Payload))
	if err != nil {
		h.th.log().Error("mqtt rs485 send failed", "err", err)
	}
}

type gpioSetHandler struct {
	th    *TopHat
	topic string
}

func (h *gpioSetHandler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *gpioSetHandler) MqttHandle(pub *paho.Publish) {
	cmd := GpioCommand{}
	err := json.Unmarshal(pub.Payload, &cmd)
	if err != nil {
		h.th.log().Error("bad gpio command payload", "err", err)
		return
	}
	err = h.th.ApplyGpioCommand(cmd)
	if err != nil {
		h.th.log().Error("mqtt gpio command failed", "cmd", cmd, "err", err)
	}
}

// ApplyGpioCommand drives an expander or native output pin.
func (th *TopHat) ApplyGpioCommand(cmd GpioCommand) error {
	if cmd.State != 0 && cmd.State != 1 {
		return errors.Errorf("state must be 0 or 1, got %d", cmd.State)
	}
	if cmd.Pin < 0 || cmd.Pin > 255 {
		return errors.Wrapf(drivers.ErrInvalidPin, "pin %d", cmd.Pin)
	}

	if strings.EqualFold(cmd.Port, rpiPort) {
		if !th.Available(ComponentRpiGpio) {
			return errors.Wrap(drivers.ErrNotReady, "Raspberry Pi GPIO not available")
		}
		return th.Gpio.WritePin(uint8(cmd.Pin), cmd.State == 1)
	}

	port, err := drivers.ParsePort(cmd.Port)
	if err != nil {
		return err
	}
	if !th.Available(ComponentMcp23017) {
		return errors.Wrap(drivers.ErrNotReady, "MCP23017 not available")
	}
	_, err = th.Mcp23017.SetOutput(port, uint8(cmd.Pin), cmd.State == 1)
	return err
}

func (th *TopHat) mqttHandlers() []mqtt.MqttHandler {
	return []mqtt.MqttHandler{
		&rs485SendHandler{th: th, topic: th.mqttPrefix() + "/rs485/send"},
		&gpioSetHandler{th: th, topic: th.mqttPrefix() + "/gpio/set"},
	}
}

// mqttClientId is stable per machine so two boards sharing a name do not
// kick each other off the broker.
func (th *TopHat) mqttClientId() string {
	id, err := machineid.ProtectedID(defaultBoardName)
	if err != nil || len(id) < 8 {
		return th.name()
	}
	return th.name() + "-" + id[:8]
}

func (th *TopHat) InitMqtt() (err error) {
	if len(th.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	mc, err := mqtt.NewMqttClient(th.MqttBroker, th.mqttClientId())
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	err = mc.Connect(th.mqttHandlers())
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
		return
	}

	th.attachPublisher(mc)
	return
}

// attachPublisher starts forwarding received RS-485 lines and telemetry to pub.
func (th *TopHat) attachPublisher(pub mqtt.Publisher) {
	th.stopForwarding()

	th.lock.Lock()
	th.mqttClient = pub
	th.lock.Unlock()

	if !th.Available(ComponentRs485) {
		return
	}

	topic := th.mqttPrefix() + "/rs485/rx"
	queue := make(chan string, rs485ForwardQueue)
	done := make(chan struct{})

	// the receive loop must not wait on the broker, lines beyond the queue are dropped
	unsubscribe := th.Rs485.Subscribe(func(msg string) {
		select {
		case queue <- msg:
		default:
			th.log().Warn("mqtt forward queue full, dropping rs485 message")
		}
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-queue:
				err := pub.Publish(topic, []byte(msg))
				if err != nil {
					th.log().Error("failed to publish rs485 message", "err", err)
				}
			}
		}
	}()

	var once sync.Once
	th.lock.Lock()
	th.forwardStop = func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
	th.lock.Unlock()
}

// stopForwarding ends RS-485 to MQTT forwarding, if running.
func (th *TopHat) stopForwarding() {
	th.lock.Lock()
	stop := th.forwardStop
	th.forwardStop = nil
	th.lock.Unlock()

	if stop != nil {
		stop()
	}
}

func (th *TopHat) publisher() mqtt.Publisher {
	th.lock.RLock()
	defer th.lock.RUnlock()
	return th.mqttClient
}

// PublishTelemetry sends a snapshot to MQTT and InfluxDB, whichever is set up.
func (th *TopHat) PublishTelemetry(ctx context.Context) {
	pub := th.publisher()
	influxReady := th.Influx != nil && th.Influx.IsReady()
	if pub == nil && !influxReady {
		return
	}

	snap := th.Snapshot(ctx)

	if pub != nil {
		payload, err := json.Marshal(snap)
		if err == nil {
			err = pub.Publish(th.mqttPrefix()+"/state", payload)
		}
		if err != nil {
			th.log().Error("failed to publish state", "err", err)
		}
	}

	if influxReady {
		err := th.Influx.Record(ctx, th.name(), snap)
		if err != nil {
			th.log().Error("failed to record telemetry", "err", err)
		}
	}
}
