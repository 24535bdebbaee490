package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	tophat "github.com/Cirkitscape/Top-HAT-Dashboard"
	"github.com/Cirkitscape/Top-HAT-Dashboard/mqtt"
)

var (
	broker = flag.String("broker", "mqtt://localhost:1883", "mqtt broker url")
	prefix = flag.String("prefix", "tophat", "topic prefix of the board")
	send   = flag.String("send", "", "RS-485 message to send")
	port   = flag.String("port", "", "gpio port to set: A, B or RPI")
	pin    = flag.Int("pin", 0, "gpio pin to set")
	state  = flag.Int("state", 1, "gpio state to set, 0 or 1")
	watch  = flag.Bool("watch", false, "keep printing board messages")
)

type watcher struct {
	topic string
}

func (w *watcher) MqttSubscribeTopic() string {
	return w.topic
}

func (w *watcher) MqttHandle(pub *paho.Publish) {
	log.Info("board message", "topic", pub.Topic, "payload", string(pub.Payload))
}

func main() {
	flag.Parse()

	mc, err := mqtt.NewMqttClient(*broker, "tophat-ctl-"+uuid.New().String()[:8])
	if err != nil {
		log.Fatal("failed to create mqtt client", "err", err)
	}

	handlers := []mqtt.MqttHandler{}
	if *watch {
		handlers = append(handlers, &watcher{topic: *prefix + "/#"})
	}
	err = mc.Connect(handlers)
	if err != nil {
		log.Fatal("failed to connect to mqtt broker", "err", err)
	}

	if len(*send) > 0 {
		err = mc.Publish(*prefix+"/rs485/send", []byte(*send))
		if err != nil {
			log.Error("rs485 send failed", "err", err)
		}
	}

	if len(*port) > 0 {
		payload, _ := json.Marshal(tophat.GpioCommand{Port: *port, Pin: *pin, State: *state})
		err = mc.Publish(*prefix+"/gpio/set", payload)
		if err != nil {
			log.Error("gpio set failed", "err", err)
		}
	}

	if *watch {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = mc.Disconnect(ctx)
	if err != nil {
		log.Warn("mqtt disconnect failed", "err", err)
	}
}
