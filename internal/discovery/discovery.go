// Package discovery translates a device page into Home Assistant MQTT
// discovery documents and their companion state/command/availability
// topics. It is a pure translator: it returns the set of messages the
// bridge should publish and never touches the network itself, mirroring
// how the widget registry is a pure function over a device page.
package discovery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/eviqo/eviqo-mqtt-bridge/entity"
	"github.com/eviqo/eviqo-mqtt-bridge/entity/hass"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/registry"
)

const devicePrefix = "eviqo_"

// ChargingPin and CurrentLimitPin are the empirical pins the charging
// switch and current-limit number entity write to. If a device's widget
// registry reports a different pin for the streams these entities are
// bound to, the bridge must refuse to subscribe rather than guess.
const (
	ChargingPin     = "15"
	CurrentLimitPin = "3"

	defaultCurrentMax = 48
)

// WidgetMapping describes how one named widget stream becomes a sensor
// discovery document.
type WidgetMapping struct {
	EntityID    string // overrides the slugified name when non-empty
	DeviceClass string
	StateClass  string
	Unit        string
	Diagnostic  bool
}

// ControllableWidget describes a named widget stream that is additionally
// exposed as a settable number entity, bound to a specific pin.
type ControllableWidget struct {
	EntityID    string
	Pin         string
	DeviceClass string
	Unit        string
	Min         float64
	Step        float64
}

// WidgetMappings is the static table of sensor documents this bridge
// knows how to build from a device page's stream names.
var WidgetMappings = map[string]WidgetMapping{
	"Voltage":     {DeviceClass: "voltage", StateClass: "measurement", Unit: "V"},
	"Power":       {DeviceClass: "power", StateClass: "measurement", Unit: "W"},
	"Energy":      {DeviceClass: "energy", StateClass: "total_increasing", Unit: "kWh"},
	"Status":      {EntityID: "status"},
	"Temperature": {DeviceClass: "temperature", StateClass: "measurement", Unit: "°C"},
}

// ControllableWidgets is the static table of streams that are also exposed
// as a number entity with a command topic, per §4.4. "Current" is the
// settable entity itself; its upper bound is read from the companion
// "Current max" widget by registry.Registry.CurrentMax rather than
// published as a sensor of its own.
var ControllableWidgets = map[string]ControllableWidget{
	"Current": {EntityID: "current", Pin: CurrentLimitPin, DeviceClass: "current", Unit: "A", Min: 0, Step: 1},
}

var slugCollapse = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a widget name and collapses runs of non-alphanumeric
// characters to a single underscore, trimming leading/trailing ones.
func Slugify(name string) string {
	s := slugCollapse.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(s, "_")
}

// Message is one MQTT publish the discovery translator wants made.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Topics collects the topic strings a built document set uses, so the
// bridge can route inbound command topics back to (deviceID, pin) and
// build the removal set without recomputing entity ids.
type Topics struct {
	DiscoveryPrefix string
	TopicPrefix     string
	DeviceID        int
}

func (t Topics) discovery(component, entityID string) string {
	return fmt.Sprintf("%s/%s/%s%d/%s/config", t.DiscoveryPrefix, component, devicePrefix, t.DeviceID, entityID)
}

func (t Topics) state(entityID string) string {
	return fmt.Sprintf("%s/%d/%s/state", t.TopicPrefix, t.DeviceID, entityID)
}

func (t Topics) command(entityID string) string {
	return fmt.Sprintf("%s/%d/%s/set", t.TopicPrefix, t.DeviceID, entityID)
}

// StateTopicFor and CommandTopicFor expose the per-entity topic builders to
// callers outside the package (the bridge's routing tables), which only
// ever need entity ids already chosen from WidgetMappings/ControllableWidgets.
func (t Topics) StateTopicFor(entityID string) string   { return t.state(entityID) }
func (t Topics) CommandTopicFor(entityID string) string { return t.command(entityID) }

// Availability is the per-device online/offline topic shared by every
// entity the bridge publishes for that device.
func (t Topics) Availability() string {
	return fmt.Sprintf("%s/%d/status", t.TopicPrefix, t.DeviceID)
}

func deviceInfo(device entity.DeviceRecord) hass.DeviceInfo {
	return hass.DeviceInfo{
		Identifiers:  []string{fmt.Sprintf("eviqo_%d", device.DeviceID)},
		Name:         device.Name,
		Manufacturer: "Eviqo",
		Model:        device.ProductName,
		SWVersion:    device.HardwareInfo.Version,
		HWVersion:    device.HardwareInfo.Build,
	}
}

func origin() hass.OriginInfo {
	return hass.OriginInfo{Name: "eviqo-mqtt-bridge"}
}

func boolPtr(b bool) *bool       { return &b }
func floatPtr(f float64) *float64 { return &f }

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// EntityConfig has no types that fail to marshal; a failure here
		// is a programmer error, not a runtime condition to recover from.
		panic(fmt.Sprintf("discovery: marshal entity config: %v", err))
	}
	return b
}

// BuildDocuments translates a device page into the full set of retained
// discovery documents and initial-state snapshots for one device: a
// sensor per mapped widget, a number entity and command topic per
// controllable widget, a connectivity binary sensor, a charging switch,
// and the diagnostic firmware/raw_status sensors.
//
// chargingPinOK must be true only when the device's "Status" stream
// reports pin ChargingPin; otherwise the charging switch and its command
// topic are omitted entirely, per §9's refuse-to-subscribe requirement.
func BuildDocuments(topics Topics, device entity.DeviceRecord, page *entity.DevicePage, reg *registry.Registry, chargingPinOK bool) []Message {
	var out []Message
	info := deviceInfo(device)
	avail := topics.Availability()

	for _, stream := range page.Streams() {
		if mapping, ok := WidgetMappings[stream.Name]; ok {
			entityID := mapping.EntityID
			if entityID == "" {
				entityID = Slugify(stream.Name)
			}
			cfg := hass.EntityConfig{
				Device:            info,
				Origin:            origin(),
				Name:              stream.Name,
				UniqueID:          fmt.Sprintf("eviqo_%d_%s", device.DeviceID, entityID),
				ObjectID:          fmt.Sprintf("%s%d_%s", devicePrefix, device.DeviceID, entityID),
				DeviceClass:       mapping.DeviceClass,
				StateClass:        mapping.StateClass,
				UnitOfMeasurement: mapping.Unit,
				AvailabilityTopic: avail,
				PayloadAvailable:  "online",
				PayloadNotAvail:   "offline",
				StateTopic:        topics.state(entityID),
			}
			if mapping.Diagnostic {
				cfg.EntityCategory = "diagnostic"
			}
			out = append(out, Message{Topic: topics.discovery("sensor", entityID), Payload: mustMarshal(cfg), Retain: true})

			value := stream.Visualization.Value
			if stream.Name == "Status" {
				if human, ok := TranslateStatus(value); ok {
					value = human
				}
			}
			out = append(out, Message{Topic: topics.state(entityID), Payload: []byte(value), Retain: true})
		}

		if controllable, ok := ControllableWidgets[stream.Name]; ok && stream.Pin == controllable.Pin {
			max := defaultCurrentMax
			if reg != nil {
				max = int(reg.CurrentMax(float64(defaultCurrentMax)))
			}
			cfg := hass.EntityConfig{
				Device:            info,
				Origin:            origin(),
				Name:              stream.Name,
				UniqueID:          fmt.Sprintf("eviqo_%d_%s", device.DeviceID, controllable.EntityID),
				ObjectID:          fmt.Sprintf("%s%d_%s", devicePrefix, device.DeviceID, controllable.EntityID),
				DeviceClass:       controllable.DeviceClass,
				UnitOfMeasurement: controllable.Unit,
				AvailabilityTopic: avail,
				PayloadAvailable:  "online",
				PayloadNotAvail:   "offline",
				StateTopic:        topics.state(controllable.EntityID),
				CommandTopic:      topics.command(controllable.EntityID),
				Min:               floatPtr(controllable.Min),
				Max:               floatPtr(float64(max)),
				Step:              floatPtr(controllable.Step),
				Mode:              "slider",
			}
			out = append(out, Message{Topic: topics.discovery("number", controllable.EntityID), Payload: mustMarshal(cfg), Retain: true})
			out = append(out, Message{Topic: topics.state(controllable.EntityID), Payload: []byte(stream.Visualization.Value), Retain: true})
		}
	}

	out = append(out, connectivityDocument(topics, info, avail)...)
	if chargingPinOK {
		out = append(out, chargingSwitchDocument(topics, info, avail, reg)...)
	}
	out = append(out, diagnosticDocuments(topics, device, info, avail)...)

	return out
}

func connectivityDocument(topics Topics, info hass.DeviceInfo, avail string) []Message {
	cfg := hass.EntityConfig{
		Device:            info,
		Origin:            origin(),
		Name:              "Connectivity",
		UniqueID:          fmt.Sprintf("eviqo_%d_connectivity", topics.DeviceID),
		ObjectID:          fmt.Sprintf("%sconnectivity", deviceObjectPrefix(topics)),
		DeviceClass:       "connectivity",
		EntityCategory:    "diagnostic",
		AvailabilityTopic: avail,
		PayloadAvailable:  "online",
		PayloadNotAvail:   "offline",
		StateTopic:        avail,
		PayloadOn:         "online",
		PayloadOff:        "offline",
	}
	return []Message{
		{Topic: topics.discovery("binary_sensor", "connectivity"), Payload: mustMarshal(cfg), Retain: true},
	}
}

func chargingSwitchDocument(topics Topics, info hass.DeviceInfo, avail string, reg *registry.Registry) []Message {
	cfg := hass.EntityConfig{
		Device:            info,
		Origin:            origin(),
		Name:              "Charging",
		UniqueID:          fmt.Sprintf("eviqo_%d_charging", topics.DeviceID),
		ObjectID:          fmt.Sprintf("%scharging", deviceObjectPrefix(topics)),
		AvailabilityTopic: avail,
		PayloadAvailable:  "online",
		PayloadNotAvail:   "offline",
		StateTopic:        topics.state("charging"),
		CommandTopic:      topics.command("charging"),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		StateOn:           "ON",
		StateOff:          "OFF",
		Optimistic:        boolPtr(false),
	}

	state := "OFF"
	if reg != nil {
		if status, ok := reg.ByName["Status"]; ok && ChargingOn(status.Visualization.Value) {
			state = "ON"
		}
	}

	return []Message{
		{Topic: topics.discovery("switch", "charging"), Payload: mustMarshal(cfg), Retain: true},
		{Topic: topics.state("charging"), Payload: []byte(state), Retain: true},
	}
}

func diagnosticDocuments(topics Topics, device entity.DeviceRecord, info hass.DeviceInfo, avail string) []Message {
	firmware := hass.EntityConfig{
		Device:            info,
		Origin:            origin(),
		Name:              "Firmware",
		UniqueID:          fmt.Sprintf("eviqo_%d_firmware", topics.DeviceID),
		ObjectID:          fmt.Sprintf("%sfirmware", deviceObjectPrefix(topics)),
		EntityCategory:    "diagnostic",
		AvailabilityTopic: avail,
		PayloadAvailable:  "online",
		PayloadNotAvail:   "offline",
		StateTopic:        topics.state("firmware"),
	}
	firmwareValue := device.HardwareInfo.Version
	if device.HardwareInfo.Build != "" {
		firmwareValue = fmt.Sprintf("%s (%s)", device.HardwareInfo.Version, device.HardwareInfo.Build)
	}

	rawStatus := hass.EntityConfig{
		Device:            info,
		Origin:            origin(),
		Name:              "Raw status",
		UniqueID:          fmt.Sprintf("eviqo_%d_raw_status", topics.DeviceID),
		ObjectID:          fmt.Sprintf("%sraw_status", deviceObjectPrefix(topics)),
		EntityCategory:    "diagnostic",
		AvailabilityTopic: avail,
		PayloadAvailable:  "online",
		PayloadNotAvail:   "offline",
		StateTopic:        topics.state("raw_status"),
	}

	return []Message{
		{Topic: topics.discovery("sensor", "firmware"), Payload: mustMarshal(firmware), Retain: true},
		{Topic: topics.state("firmware"), Payload: []byte(firmwareValue), Retain: true},
		{Topic: topics.discovery("sensor", "raw_status"), Payload: mustMarshal(rawStatus), Retain: true},
	}
}

func deviceObjectPrefix(topics Topics) string {
	return fmt.Sprintf("%s%d_", devicePrefix, topics.DeviceID)
}

var statusNames = map[string]string{
	"0": "unplugged",
	"1": "plugged",
	"2": "charging",
	"3": "stopped",
}

// TranslateStatus maps a raw Status widget value to its human-readable
// form. ok is false for any value outside the known set, in which case
// callers should publish the raw value unchanged.
func TranslateStatus(raw string) (human string, ok bool) {
	human, ok = statusNames[raw]
	return human, ok
}

// ChargingOn reports whether a raw Status value means the companion
// charging/state topic should read ON.
func ChargingOn(raw string) bool {
	return raw == "2"
}

// RemovalMessages builds the empty retained payloads that retract every
// discovery document this bridge (including its predecessor naming) ever
// published for a device, for --remove-discovery.
func RemovalMessages(topics Topics, chargingPinOK bool) []Message {
	var out []Message
	for name, mapping := range WidgetMappings {
		entityID := mapping.EntityID
		if entityID == "" {
			entityID = Slugify(name)
		}
		out = append(out, Message{Topic: topics.discovery("sensor", entityID), Retain: true})
	}
	for _, controllable := range ControllableWidgets {
		out = append(out, Message{Topic: topics.discovery("number", controllable.EntityID), Retain: true})
	}
	out = append(out,
		Message{Topic: topics.discovery("binary_sensor", "connectivity"), Retain: true},
		Message{Topic: topics.discovery("sensor", "firmware"), Retain: true},
		Message{Topic: topics.discovery("sensor", "raw_status"), Retain: true},
		Message{Topic: topics.discovery("switch", "charging"), Retain: true},
		// Legacy spelling from before the charging control moved from a
		// read-only binary sensor to a switch entity.
		Message{Topic: topics.discovery("binary_sensor", "charging"), Retain: true},
	)
	_ = chargingPinOK // removal always retracts the charging topics, subscribed or not
	return out
}
