//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mff-controller/internal/controller"
	"mff-controller/internal/store"
)

const reconnectInterval = 5 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge mirrors the controller state to MQTT with HA autodiscovery and
// accepts position and identify commands.
type Bridge struct {
	client pahomqtt.Client
	ctrl   *controller.Controller
	prefix string
	logger *slog.Logger
	unsub  func()

	mu     sync.Mutex
	state  map[string]any
	device store.Device // identity the topics were last published for
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *controller.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mff-controller"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(ctrl *controller.Controller, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		ctrl:   ctrl,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		state:  make(map[string]any),
	}
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.mu.Lock()
	for name, v := range b.ctrl.Snapshot() {
		if v.Valid {
			setProperty(b.state, name, v.Value)
		}
	}
	b.mu.Unlock()

	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.publishDevice()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.mu.Lock()
	b.device = store.Device{}
	b.mu.Unlock()
	b.publishDevice()
}

func (b *Bridge) handleEvent(event controller.Event) {
	switch event.Type {
	case controller.EventFieldUpdate, controller.EventFieldWrite:
		b.updateAndPublishState(event.Field, event.Value)
	case controller.EventConnectionState:
		b.updateAndPublishState("connection", event.Value)
	case controller.EventDeviceInfo:
		b.publishDevice()
	}
}

// setProperty maps a field to its state payload keys.
func setProperty(state map[string]any, field string, value any) {
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	switch field {
	case controller.FieldReadbackPosition:
		state["position"] = value
		if on, ok := value.(bool); ok {
			state["state"] = onOff(on)
		}
	default:
		state[field] = value
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) updateAndPublishState(field string, value any) {
	b.mu.Lock()
	setProperty(b.state, field, value)
	b.mu.Unlock()
	b.publishState()
}

func (b *Bridge) publishState() {
	b.mu.Lock()
	if b.device.SerialNo == "" {
		b.mu.Unlock()
		return
	}
	b.state["last_update"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(b.state)
	topic := b.prefix + "/" + deviceTopicName(&b.device)
	b.mu.Unlock()

	b.publish(topic, payload, true)
}

// publishDevice (re)publishes discovery and command subscriptions when the
// device identity or friendly name changed.
func (b *Bridge) publishDevice() {
	dev := b.ctrl.DeviceInfo()
	if dev.SerialNo == "" {
		return
	}

	b.mu.Lock()
	old := b.device
	b.device = dev
	b.mu.Unlock()
	if sameIdentity(old, dev) {
		return
	}

	if old.SerialNo != "" {
		oldBase := b.prefix + "/" + deviceTopicName(&old)
		if oldBase != b.prefix+"/"+deviceTopicName(&dev) {
			b.client.Unsubscribe(oldBase+"/set", oldBase+"/identify")
			b.publish(oldBase, nil, true)
		}
		if old.SerialNo != dev.SerialNo {
			for _, msg := range buildRemoveDiscovery(&old) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}

	for _, msg := range buildDiscovery(&dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "serial", dev.SerialNo, "name", deviceDisplayName(&dev))
	b.subscribeCommands(&dev)
	b.publishState()
}

func sameIdentity(a, b store.Device) bool {
	return a.SerialNo == b.SerialNo &&
		a.FriendlyName == b.FriendlyName &&
		a.Model == b.Model &&
		a.FirmwareVersion == b.FirmwareVersion
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) subscribeCommands(dev *store.Device) {
	base := b.prefix + "/" + deviceTopicName(dev)
	b.client.Subscribe(base+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	b.client.Subscribe(base+"/identify", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.handleIdentify()
	})
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 10*time.Second)
	defer cancel()

	var desired bool
	switch {
	case cmd["position"] != nil:
		p, ok := cmd["position"].(bool)
		if !ok {
			b.logger.Warn("position must be a boolean", "got", cmd["position"])
			return
		}
		desired = p
	case cmd["state"] != nil:
		s, _ := cmd["state"].(string)
		switch strings.ToUpper(s) {
		case "ON":
			desired = true
		case "OFF":
			desired = false
		case "TOGGLE":
			cur, ok := b.ctrl.Get(controller.FieldReadbackPosition)
			on, _ := cur.Value.(bool)
			if !ok {
				b.logger.Warn("toggle with unknown position")
				return
			}
			desired = !on
		default:
			b.logger.Warn("unknown state command", "state", cmd["state"])
			return
		}
	default:
		return
	}

	if err := b.ctrl.SetPosition(ctx, desired); err != nil {
		b.logger.Warn("position command failed", "desired", desired, "err", err)
	}
}

func (b *Bridge) handleIdentify() {
	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 10*time.Second)
	defer cancel()
	if err := b.ctrl.Identify(ctx); err != nil {
		b.logger.Warn("identify command failed", "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
