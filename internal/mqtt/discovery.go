//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"mff-controller/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/mff_37000001/position/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

const manufacturer = "Thorlabs"

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if model := strings.TrimSpace(dev.Model); model != "" {
		return model + " " + dev.SerialNo
	}
	return "MFF " + dev.SerialNo
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "mff_" + dev.SerialNo
}

// deviceTopicName returns the topic name for a device (friendly name or serial).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.SerialNo
}

// buildDiscovery generates HA discovery messages for the flip mount: a switch
// for the position, an identify button and diagnostic sensors.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	if dev.SerialNo == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	base := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: manufacturer,
		Model:        strings.TrimSpace(dev.Model),
		SWVersion:    dev.FirmwareVersion,
		SerialNumber: dev.SerialNo,
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		{
			Topic: fmt.Sprintf("homeassistant/switch/%s/position/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Position",
				UniqueID:          nodeID + "_position",
				StateTopic:        base,
				CommandTopic:      base + "/set",
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.state }}",
				PayloadOn:         `{"state":"ON"}`,
				PayloadOff:        `{"state":"OFF"}`,
				StateOn:           "ON",
				StateOff:          "OFF",
				Icon:              "mdi:mirror-variant",
				Device:            haDev,
			}),
		},
		{
			Topic: fmt.Sprintf("homeassistant/button/%s/identify/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Identify",
				UniqueID:          nodeID + "_identify",
				CommandTopic:      base + "/identify",
				AvailabilityTopic: avail,
				PayloadPress:      "identify",
				EntityCategory:    "config",
				Icon:              "mdi:led-on",
				Device:            haDev,
			}),
		},
	}

	for _, s := range []struct{ obj, suffix string }{
		{"model", "Model"},
		{"serial_no", "Serial Number"},
		{"firmware_version", "Firmware"},
	} {
		msgs = append(msgs, buildSensor(nodeID, displayName, base, avail, haDev, s.obj, s.suffix))
	}
	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice, objectID, suffix string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json." + objectID + " }}",
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)

	components := []struct{ comp, obj string }{
		{"switch", "position"},
		{"button", "identify"},
		{"sensor", "model"},
		{"sensor", "serial_no"},
		{"sensor", "firmware_version"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
