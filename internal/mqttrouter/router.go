// Package mqttrouter parses the MQTT command topic grammar
// ({namespace}/cmd/{target}/{verb}[/{arg}]), dispatches parsed commands
// against the matching inverter's command.Engine, and publishes the
// result/FAIL reply. It also owns the optional Home Assistant discovery
// publisher.
package mqttrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/command"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// Config is the subset of the MQTT configuration the router's own paho
// client connection needs.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	Namespace string
}

// Router owns the command-topic paho subscription and the per-inverter
// engine registry it dispatches against.
type Router struct {
	log       *logrus.Entry
	namespace string
	client    mqtt.Client

	mu      sync.Mutex
	targets map[serial.Serial]inverterTarget
}

// New builds a Router and its paho client, wiring connect/connection-lost
// handlers the way the USR-DR164 gateway example does: log, and
// resubscribe to the command topics on every (re)connect.
func New(log *logrus.Entry, cfg Config) *Router {
	r := &Router{log: log, namespace: cfg.Namespace, targets: make(map[serial.Serial]inverterTarget)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID + "-router")
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := cfg.Namespace + "/cmd/#"
		if token := c.Subscribe(topic, 0, r.onMessage); token.Wait() && token.Error() != nil {
			r.log.WithError(token.Error()).WithField("topic", topic).Error("mqttrouter: subscribe failed")
			return
		}
		r.log.WithField("topic", topic).Info("mqttrouter: subscribed to command topics")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		r.log.WithError(err).Warn("mqttrouter: lost connection to broker")
	})

	r.client = mqtt.NewClient(opts)
	return r
}

// Connect opens the router's broker connection.
func (r *Router) Connect() error {
	if token := r.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttrouter: connect: %w", token.Error())
	}
	return nil
}

// Disconnect closes the router's broker connection.
func (r *Router) Disconnect() {
	r.client.Disconnect(250)
}

// RegisterInverter makes datalog's engine reachable by both direct target
// match and the "all" broadcast target.
func (r *Router) RegisterInverter(datalog serial.Serial, e *command.Engine, blockSize uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[datalog] = inverterTarget{Datalog: datalog.String(), Engine: e, BlockSize: blockSize}
}

func (r *Router) resolve(target string) []inverterTarget {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target == "all" {
		out := make([]inverterTarget, 0, len(r.targets))
		for _, t := range r.targets {
			out = append(out, t)
		}
		return out
	}
	ser, err := serial.FromString(target)
	if err != nil {
		return nil
	}
	if t, ok := r.targets[ser]; ok {
		return []inverterTarget{t}
	}
	return nil
}

func (r *Router) onMessage(c mqtt.Client, msg mqtt.Message) {
	r.handle(context.Background(), msg.Topic(), string(msg.Payload()))
}

// handle parses topic and runs the resulting command against every
// matching inverter, publishing each one's result or "FAIL" independently.
// A malformed topic or unknown target is logged and otherwise ignored,
// matching the original's "log and continue" command-error policy; an
// unknown verb fails in dispatch and so publishes "FAIL" like any other
// failed command.
func (r *Router) handle(ctx context.Context, topic, payload string) {
	pc, ok := parseCommandTopic(r.namespace, topic)
	if !ok {
		r.log.WithField("topic", topic).Debug("mqttrouter: ignoring non-command topic")
		return
	}

	targets := r.resolve(pc.Target)
	if len(targets) == 0 {
		r.log.WithFields(logrus.Fields{"topic": topic, "target": pc.Target}).Warn("mqttrouter: no inverter matches command target")
		return
	}

	for _, t := range targets {
		reply, err := dispatch(ctx, t, pc, payload)
		topic := resultTopic(r.namespace, t.Datalog, pc.Verb, pc.Arg)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"datalog": t.Datalog, "verb": pc.Verb,
			}).Warn("mqttrouter: command failed")
			r.publish(topic, "FAIL", false)
			continue
		}
		r.publish(topic, reply, false)
	}
}

func (r *Router) publish(topic, payload string, retained bool) {
	token := r.client.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		r.log.WithError(err).WithField("topic", topic).Error("mqttrouter: publish failed")
	}
}
