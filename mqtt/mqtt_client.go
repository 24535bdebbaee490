package mqtt

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

type MqttHandler interface {
	MqttHandle(pub *paho.Publish)
	MqttSubscribeTopic() string
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MqttClient struct {
	// ConnectTimeout bounds Connect, zero means connectionTimeoutSeconds.
	ConnectTimeout time.Duration

	config   autopaho.ClientConfig
	conn     *autopaho.ConnectionManager
	stop     context.CancelFunc
	logger   *log.Logger
	topics   []string
	handlers []MqttHandler
	lock     sync.RWMutex
}

func (mc *MqttClient) connection() *autopaho.ConnectionManager {
	mc.lock.RLock()
	defer mc.lock.RUnlock()
	return mc.conn
}

func (mc *MqttClient) Publish(topic string, payload []byte) (err error) {
	cm := mc.connection()
	if cm == nil {
		return errors.New("mqtt client not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return
}

func (mc *MqttClient) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("Connected to MQTT broker")

	mc.lock.RLock()
	subs := []paho.SubscribeOptions{}
	for _, topic := range mc.topics {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: topic,
		})
	}
	mc.lock.RUnlock()

	if len(subs) == 0 {
		return
	}

	mc.logger.Debug("subscribing mqtt", "subs", subs)

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: subs,
	})
	if err != nil {
		mc.logger.Error("Failed to subscribe to topics", "err", err)
	}
}

func (mc *MqttClient) onConnError(err error) {
	mc.logger.Error("Received Mqtt connection error", "err", err)
}

func (mc *MqttClient) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("Disconnected from MQTT broker")
}

func (mc *MqttClient) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			mc.logger.Debug("received message", "topic", pr.Packet.Topic, "retain", pr.Packet.Retain)
			return mc.dispatch(pr.Packet), nil
		},
	}
}

// dispatch hands pub to every handler subscribed to its topic and reports
// whether anyone took it.
func (mc *MqttClient) dispatch(pub *paho.Publish) (handled bool) {
	mc.lock.RLock()
	handlers := make([]MqttHandler, len(mc.handlers))
	copy(handlers, mc.handlers)
	mc.lock.RUnlock()

	for _, h := range handlers {
		if TopicMatches(h.MqttSubscribeTopic(), pub.Topic) {
			h.MqttHandle(pub)
			handled = true
		}
	}
	return
}

// TopicMatches reports whether topic is covered by filter, honouring the +
// and # wildcards.
func TopicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

func (mc *MqttClient) connectTimeout() time.Duration {
	if mc.ConnectTimeout > 0 {
		return mc.ConnectTimeout
	}
	return connectionTimeoutSeconds * time.Second
}

// Connect starts the connection manager and waits for the first connection.
// When that fails the manager is stopped, so nothing reconnects later behind
// the caller's back.
func (mc *MqttClient) Connect(handlers []MqttHandler) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), mc.connectTimeout())
	defer cancel()

	mc.lock.Lock()
	mc.topics = []string{}
	mc.handlers = handlers
	for _, h := range handlers {
		mc.logger.Debug("setting up mqtt topics config", "topic", h.MqttSubscribeTopic())
		mc.topics = append(mc.topics, h.MqttSubscribeTopic())
	}
	mc.lock.Unlock()

	cmCtx, stop := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(cmCtx, mc.config)
	if err != nil {
		stop()
		return
	}

	err = cm.AwaitConnection(ctx)
	mc.logger.Debug("AwaitConnection done", "err", err)
	if err != nil {
		stop()
		select {
		case <-cm.Done():
		case <-time.After(mc.connectTimeout()):
			mc.logger.Warn("mqtt connection manager did not stop in time")
		}
		return
	}

	mc.lock.Lock()
	mc.conn = cm
	mc.stop = stop
	mc.lock.Unlock()
	return
}

func (mc *MqttClient) Disconnect(ctx context.Context) (err error) {
	mc.lock.Lock()
	mc.topics = []string{}
	mc.handlers = nil
	cm, stop := mc.conn, mc.stop
	mc.conn, mc.stop = nil, nil
	mc.lock.Unlock()

	if cm == nil {
		return nil
	}
	err = cm.Disconnect(ctx)
	stop()
	return
}

func NewMqttClient(broker string, clientId string) (mc *MqttClient, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return
	}

	mc = &MqttClient{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mqtt",
			Level:  log.GetLevel(),
		}),
	}

	mc.config = autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{addr},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp:                mc.onConnUp,
		OnConnectError:                mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
			OnPublishReceived:  mc.onPublishRecv(),
		},
	}

	return
}
