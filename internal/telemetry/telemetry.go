// Package telemetry publishes signal-bus snapshots and alert edges to an
// MQTT broker for cloud/companion-app consumption, adapted from the
// teacher's periodic MQTT publisher (pkg/mqtt/mqtt.go).
package telemetry

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultUpdateInterval = 1 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "racedash"
	DefaultTopic          = "racedash/telemetry"
)

// Config holds the MQTT connection and topic settings.
type Config struct {
	Broker         string
	ClientID       string
	Topic          string
	AlertTopic     string
	CommandTopic   string
	UpdateInterval time.Duration
}

// Snapshot is the serializable signal-bus frame published each tick.
type Snapshot struct {
	TimestampMS uint64             `json:"timestamp_ms"`
	Numeric     map[string]float64 `json:"numeric"`
	Digital     map[string]bool    `json:"digital"`
}

// AlertEdge mirrors alert.EdgeNotification for wire transport.
type AlertEdge struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// CommandHandler processes an inbound remote command (e.g. acknowledge,
// arm logger, force screen).
type CommandHandler func(payload []byte) error

// Publisher periodically snapshots the bus and publishes it to MQTT,
// and relays alert edges and commands, adapted from the teacher's
// MQTTClient.
type Publisher struct {
	config     Config
	client     mqtt.Client
	stopChan   chan struct{}
	snapshotFn func() Snapshot
	cmdHandler CommandHandler
}

// NewPublisher creates a telemetry publisher bound to a snapshot source.
func NewPublisher(cfg Config, snapshotFn func() Snapshot, cmdHandler CommandHandler) *Publisher {
	return &Publisher{
		config:     cfg,
		stopChan:   make(chan struct{}),
		snapshotFn: snapshotFn,
		cmdHandler: cmdHandler,
	}
}

// Connect dials the configured broker and subscribes to the command topic.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Println("[telemetry] connected to broker")
		p.subscribeCommands()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("[telemetry] connection lost: %v", err)
	})

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// StartPublishing begins the periodic snapshot-publish loop.
func (p *Publisher) StartPublishing() {
	ticker := time.NewTicker(p.config.UpdateInterval)
	log.Printf("[telemetry] publishing to %s every %v", p.config.Topic, p.config.UpdateInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.publishSnapshot()
			}
		}
	}()
}

// StopPublishing stops the periodic loop.
func (p *Publisher) StopPublishing() {
	close(p.stopChan)
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) publishSnapshot() {
	snap := p.snapshotFn()
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[telemetry] marshal snapshot: %v", err)
		return
	}
	token := p.client.Publish(p.config.Topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("[telemetry] publish snapshot: %v", token.Error())
	}
}

// PublishAlertEdge publishes a one-shot alert edge notification.
func (p *Publisher) PublishAlertEdge(edge AlertEdge) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	data, err := json.Marshal(edge)
	if err != nil {
		log.Printf("[telemetry] marshal alert edge: %v", err)
		return
	}
	topic := p.config.AlertTopic
	if topic == "" {
		topic = p.config.Topic + "/alerts"
	}
	token := p.client.Publish(topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("[telemetry] publish alert edge: %v", token.Error())
	}
}

func (p *Publisher) subscribeCommands() {
	topic := p.config.CommandTopic
	if topic == "" {
		return
	}
	token := p.client.Subscribe(topic, 1, p.handleIncoming)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			log.Printf("[telemetry] subscribe %s: %v", topic, token.Error())
		}
	}()
}

func (p *Publisher) handleIncoming(c mqtt.Client, msg mqtt.Message) {
	if p.cmdHandler == nil {
		return
	}
	if err := p.cmdHandler(msg.Payload()); err != nil {
		log.Printf("[telemetry] command handler: %v", err)
	}
}
