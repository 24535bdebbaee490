package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	tophat "github.com/Cirkitscape/Top-HAT-Dashboard"
	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

var (
	Version string
	Build   string
)

func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("tophat mock started, in-memory hardware for testing purposes")

	syncDuration := 250 * time.Millisecond
	telemetryDuration := 5 * time.Second

	th := tophat.Default()
	th.Name = "tophat-mock"
	th.HkPin = "88008800"
	th.HkDirectory = "./mock_homekit"
	th.MqttBroker = os.Getenv("TOPHAT_MQTT_BROKER")
	th.FakeDriver = &drivers.MockIoDriver{}
	th.Outputs = append(th.Outputs, &tophat.Output{Name: "fake relay", DriverName: "mock_driver", OutPin: 2})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mb, err := th.InitMockDrivers(ctx, drivers.SineSignal(3.3, 20*time.Second))
	defer th.Close()
	if err != nil {
		log.Fatal("mock drivers failed", "err", err)
	}
	err = th.InitOutputs()
	if err != nil {
		log.Fatal("failed to init outputs", "err", err)
	}

	// something to see on the RS-485 page
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				mb.Serial.Feed("mock tick " + t.Format(time.TimeOnly) + "\n")
			}
		}
	}()

	th.FakeDriver.MonitorStateChanges(os.Stdout)
	th.PrintIoStatus(os.Stdout)

	if len(th.MqttBroker) > 0 {
		err = th.InitMqtt()
		if err != nil {
			log.Error("mqtt disabled", "err", err)
		}
	}

	go th.StartTicker(ctx, syncDuration, telemetryDuration)
	go func() {
		err := th.StartHomeKit(ctx, "mock: "+Version)
		if err != nil {
			log.Error("HomeKit server stopped", "err", err)
		}
	}()

	log.Info("serving dashboard", "addr", th.HttpAddr)
	err = th.ListenAndServe(ctx)
	if err != nil {
		log.Error("http server stopped", "err", err)
	}
}
