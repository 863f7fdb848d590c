package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"groundstation/internal/ingest"
)

const publishTimeout = 2 * time.Second

// MQTT publishes record reports to topic (retained, so late subscribers see
// the last fix) and errors and link closes to topic+"/errors".
type MQTT struct {
	client mqtt.Client
	topic  string
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
}

func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is empty")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost broker=%s: %v", cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("mqtt connected broker=%s topic=%s", cfg.Broker, cfg.Topic)
	return newMQTT(client, cfg.Topic), nil
}

func newMQTT(client mqtt.Client, topic string) *MQTT {
	return &MQTT{client: client, topic: topic}
}

type errorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Port      string `json:"port,omitempty"`
	Requested bool   `json:"requested,omitempty"`
	At        string `json:"at"`
}

func (m *MQTT) OnRecord(r ingest.Record) {
	b, err := json.Marshal(r.Report)
	if err != nil {
		log.Printf("mqtt marshal failed: %v", err)
		return
	}
	m.publish(m.topic, true, b)
}

func (m *MQTT) OnError(err error) {
	if err == nil {
		return
	}
	b, _ := json.Marshal(errorMessage{
		Type:    "error",
		Message: err.Error(),
		At:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	m.publish(m.topic+"/errors", false, b)
}

func (m *MQTT) OnClosed(port string, requested bool) {
	b, _ := json.Marshal(errorMessage{
		Type:      "radio-close",
		Message:   "radio link closed",
		Port:      port,
		Requested: requested,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	})
	m.publish(m.topic+"/errors", false, b)
}

func (m *MQTT) publish(topic string, retained bool, payload []byte) {
	if m == nil || m.client == nil {
		return
	}
	token := m.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("mqtt publish topic=%s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt publish topic=%s failed: %v", topic, err)
	}
}

func (m *MQTT) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Disconnect(250)
}
