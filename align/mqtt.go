package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TriggerHandler is called when a sensor's control topic asks for a fresh
// registration
type TriggerHandler func(sensorID string)

// MessageHandler is called when a cloud message is received.
// Parameters: sensorID, rawPayload, decoded cloud, decode error
type MessageHandler func(sensorID string, rawPayload []byte, cloud *CloudData, err error)

// MQTTClient manages the MQTT connection and subscriptions for sensor clouds
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	triggerHandler TriggerHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil, nil.
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sensors) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sensor configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "pose-refine"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false) // clouds for different sensors are independent

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes to every sensor's cloud topic and its control topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected, subscribing to sensor topics...")
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		if sensor.Topic == "" {
			log.Printf("[MQTT] warning: sensor %s has no topic configured", sensor.ID)
			continue
		}

		token := client.Subscribe(sensor.Topic, 0, c.createMessageHandler(sensor.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] error subscribing to %s: %v", sensor.Topic, token.Error())
		} else {
			log.Printf("[MQTT] subscribed to %s for sensor %s", sensor.Topic, sensor.ID)
		}

		if triggerTopic, ok := deriveTriggerTopic(sensor.Topic); ok {
			t := client.Subscribe(triggerTopic, 0, c.createTriggerHandler(sensor.ID))
			if t.WaitTimeout(5*time.Second) && t.Error() != nil {
				log.Printf("[MQTT] error subscribing to %s: %v", triggerTopic, t.Error())
			} else {
				log.Printf("[MQTT] subscribed to %s for sensor %s triggers", triggerTopic, sensor.ID)
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// createMessageHandler creates a handler function for a specific sensor's topic
func (c *MQTTClient) createMessageHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] received cloud for %s (topic: %s, size: %d bytes)",
			sensorID, msg.Topic(), len(payload))

		cloud, err := DecodeCloud(payload)
		if err != nil {
			log.Printf("[MQTT] error decoding cloud for %s: %v", sensorID, err)
		}
		if c.messageHandler != nil {
			c.messageHandler(sensorID, payload, cloud, err)
		}
	}
}

// SetTriggerHandler registers a callback invoked when a sensor's control topic
// requests registration
func (c *MQTTClient) SetTriggerHandler(handler TriggerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerHandler = handler
}

func (c *MQTTClient) getTriggerHandler() TriggerHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerHandler
}

// deriveTriggerTopic turns a cloud topic into its control topic by replacing
// the last segment.
// Example: "lidar/front/cloud" -> "lidar/front/register"
func deriveTriggerTopic(cloudTopic string) (string, bool) {
	parts := strings.Split(cloudTopic, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-1] == "register" {
		return "", false
	}
	if strings.ContainsAny(cloudTopic, "+#") {
		return "", false
	}
	parts[len(parts)-1] = "register"
	return strings.Join(parts, "/"), true
}

// triggerPayload is the JSON form of a control message
type triggerPayload struct {
	Value string `json:"value"`
}

// createTriggerHandler creates a handler for control messages. A payload of
// "register" as a JSON object {"value": ...}, a JSON string or raw text
// fires the trigger handler.
func (c *MQTTClient) createTriggerHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()

		var value string
		var obj triggerPayload
		if err := json.Unmarshal(payload, &obj); err == nil {
			value = obj.Value
		} else {
			var plain string
			if err2 := json.Unmarshal(payload, &plain); err2 == nil {
				value = plain
			} else {
				value = strings.TrimSpace(string(payload))
			}
		}
		if value == "" {
			log.Printf("[MQTT] empty control payload for %s, skipping", sensorID)
			return
		}

		log.Printf("[MQTT] sensor %s control: %s", sensorID, value)
		if value == "register" {
			if handler := c.getTriggerHandler(); handler != nil {
				handler(sensorID)
			}
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetSensorByTopic returns the sensor ID for a given cloud topic
func (c *MQTTClient) GetSensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
