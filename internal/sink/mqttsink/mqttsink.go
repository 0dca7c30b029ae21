// Package mqttsink publishes bus.SinkMessage facts onto the telemetry side
// of the MQTT topic layout: per-page and merged input snapshots, retained
// holding-register values, write results, and the friendly retained
// time-slot topics. It owns its own paho connection, separate from
// internal/mqttrouter's command-side one, matching the original's split
// between a publisher and a command listener.
package mqttsink

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
)

// Config is the subset of the MQTT configuration the sink's own paho
// client connection needs.
type Config struct {
	Host                   string
	Port                   int
	Username               string
	Password               string
	ClientID               string
	Namespace              string
	PublishIndividualInput bool
}

// Sink subscribes to bus.ToMQTT and renders each SinkMessage onto the
// telemetry topic layout.
type Sink struct {
	log                    *logrus.Entry
	bus                    *bus.Bus
	client                 mqtt.Client
	namespace              string
	publishIndividualInput bool
}

// New builds a Sink and its paho client, using the same connection-lost
// wiring as internal/mqttrouter.Router; it sets no on-connect handler.
func New(log *logrus.Entry, b *bus.Bus, cfg Config) *Sink {
	s := &Sink{log: log, bus: b, namespace: cfg.Namespace, publishIndividualInput: cfg.PublishIndividualInput}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID + "-sink")
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.WithError(err).Warn("mqttsink: lost connection to broker")
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect opens the sink's broker connection.
func (s *Sink) Connect() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttsink: connect: %w", token.Error())
	}
	return nil
}

// Disconnect closes the sink's broker connection.
func (s *Sink) Disconnect() {
	s.client.Disconnect(250)
}

// Run consumes bus.ToMQTT until ctx is cancelled or the bus shuts down.
func (s *Sink) Run(ctx context.Context) {
	sub := s.bus.ToMQTT.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			for _, p := range renderMessage(msg, s.publishIndividualInput) {
				s.publish(p)
			}
		}
	}
}

func (s *Sink) publish(p publication) {
	token := s.client.Publish(s.namespace+"/"+p.Topic, 0, p.Retained, p.Payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.WithError(err).WithField("topic", p.Topic).Error("mqttsink: publish failed")
	}
}
