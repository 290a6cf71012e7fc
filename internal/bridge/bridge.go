// Package bridge is the supervisor: it owns the lifecycle of the MQTT
// connection and the vendor session, routes inbound MQTT commands into
// protocol writes, fans inbound widget telemetry out to MQTT, and tracks
// the per-device charging status the multi-step charging control sequence
// depends on.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/entity"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/config"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/discovery"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/mqttclient"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/registry"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/session"
)

// reconnectBackoff is fixed, not exponential — the vendor service tolerates
// frequent reconnect attempts.
const reconnectBackoff = 30 * time.Second

// chargeStepGap is the pause the vendor side needs between the "stop" and
// "restart" halves of the stopped->charging sequence. Shorter gaps have been
// observed to be silently dropped.
const chargeStepGap = 250 * time.Millisecond

// commandSender is the subset of *session.Session the bridge needs to route
// MQTT commands into the vendor protocol. Narrowing to an interface lets
// tests inject a recording fake instead of a live WebSocket session.
type commandSender interface {
	SendCommand(deviceID, pin, value string) error
}

// mqttPublisher is the subset of *mqttclient.Client the bridge needs.
// Narrowing to an interface (sharing mqttclient.Handler's concrete type, so
// *mqttclient.Client satisfies it with no adapter) lets tests inject a
// recording fake instead of a live broker connection.
type mqttPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Subscribe(ctx context.Context, topicFilter string, handler mqttclient.Handler) error
}

// pinTarget identifies the device and pin a direct command topic writes to.
type pinTarget struct {
	DeviceID int
	Pin      string
}

// deviceWiring is the per-device routing table rebuilt on every connect
// cycle from that device's page and widget registry.
type deviceWiring struct {
	topics        discovery.Topics
	chargingPinOK bool

	// pinToStateTopic maps a widget pin to the MQTT state topic telemetry
	// for that pin should be echoed to.
	pinToStateTopic map[string]string

	chargingStateTopic   string
	chargingCommandTopic string
}

// Bridge composes the MQTT client and vendor session per §4.5.
type Bridge struct {
	cfg  *config.Config
	log  *zap.Logger
	mqtt mqttPublisher

	sessMu sync.RWMutex
	sess   commandSender

	registries *registry.Store

	mu                 sync.RWMutex
	deviceStatus       map[int]string
	wiring             map[int]*deviceWiring
	commandTopicTarget map[string]pinTarget

	shutdownMu        sync.Mutex
	shutdownRequested bool
}

// New builds a Bridge around an already-constructed MQTT client and an
// optional vendor session (sess may be nil; RunSupervised installs each new
// session it creates). The session's OnWidgetUpdate/OnCommandSent/
// OnStateChange callbacks must be wired to HandleWidgetUpdate/
// HandleCommandSent/HandleSessionStateChange on the returned Bridge by the
// caller (cmd/bridge does this at startup, since the session needs the
// callbacks before Connect).
func New(cfg *config.Config, log *zap.Logger, mqtt mqttPublisher, sess commandSender) *Bridge {
	return &Bridge{
		cfg:                cfg,
		log:                log,
		mqtt:               mqtt,
		sess:               sess,
		registries:         registry.NewStore(),
		deviceStatus:       make(map[int]string),
		wiring:             make(map[int]*deviceWiring),
		commandTopicTarget: make(map[string]pinTarget),
	}
}

func (b *Bridge) setSession(sess commandSender) {
	b.sessMu.Lock()
	b.sess = sess
	b.sessMu.Unlock()
}

func (b *Bridge) session() commandSender {
	b.sessMu.RLock()
	defer b.sessMu.RUnlock()
	return b.sess
}

// Provision builds and publishes the discovery documents, initial retained
// state and command subscriptions for one device, per the Start sequence in
// §4.5. It is called once per device per connect cycle.
func (b *Bridge) Provision(ctx context.Context, device entity.DeviceRecord, page *entity.DevicePage) error {
	reg := registry.Build(page, b.log)
	b.registries.Set(device.DeviceID, reg)

	topics := discovery.Topics{
		DiscoveryPrefix: b.cfg.DiscoveryPrefix,
		TopicPrefix:     b.cfg.TopicPrefix,
		DeviceID:        device.DeviceID,
	}

	statusStream, hasStatus := reg.ByName["Status"]
	chargingPinOK := hasStatus && statusStream.Pin == discovery.ChargingPin
	if hasStatus && !chargingPinOK {
		b.log.Warn("bridge: device reports Status on an unexpected pin, refusing to subscribe the charging switch",
			zap.Int("deviceId", device.DeviceID), zap.String("pin", statusStream.Pin))
	}

	wiring := &deviceWiring{
		topics:               topics,
		chargingPinOK:        chargingPinOK,
		pinToStateTopic:      make(map[string]string),
		chargingStateTopic:   topics.StateTopicFor("charging"),
		chargingCommandTopic: topics.CommandTopicFor("charging"),
	}

	for _, stream := range page.Streams() {
		if mapping, ok := discovery.WidgetMappings[stream.Name]; ok {
			entityID := mapping.EntityID
			if entityID == "" {
				entityID = discovery.Slugify(stream.Name)
			}
			wiring.pinToStateTopic[stream.Pin] = topics.StateTopicFor(entityID)
		}
		if controllable, ok := discovery.ControllableWidgets[stream.Name]; ok && stream.Pin == controllable.Pin {
			wiring.pinToStateTopic[stream.Pin] = topics.StateTopicFor(controllable.EntityID)
			commandTopic := topics.CommandTopicFor(controllable.EntityID)
			b.mu.Lock()
			b.commandTopicTarget[commandTopic] = pinTarget{DeviceID: device.DeviceID, Pin: controllable.Pin}
			b.mu.Unlock()
			if err := b.mqtt.Subscribe(ctx, commandTopic, b.handleDirectSet); err != nil {
				return fmt.Errorf("bridge: subscribe %s: %w", commandTopic, err)
			}
		}
	}

	b.mu.Lock()
	b.wiring[device.DeviceID] = wiring
	if hasStatus {
		b.deviceStatus[device.DeviceID] = statusStream.Visualization.Value
	}
	b.mu.Unlock()

	if chargingPinOK {
		if err := b.mqtt.Subscribe(ctx, wiring.chargingCommandTopic, func(topic string, payload []byte) {
			b.handleChargingSet(device.DeviceID, string(payload))
		}); err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", wiring.chargingCommandTopic, err)
		}
	}

	for _, msg := range discovery.BuildDocuments(topics, device, page, reg, chargingPinOK) {
		if err := b.mqtt.Publish(ctx, msg.Topic, msg.Payload, msg.Retain); err != nil {
			return fmt.Errorf("bridge: publish %s: %w", msg.Topic, err)
		}
	}

	if err := b.mqtt.Publish(ctx, topics.Availability(), []byte("online"), true); err != nil {
		return fmt.Errorf("bridge: publish availability for device %d: %w", device.DeviceID, err)
	}
	return nil
}

// handleDirectSet is the MQTT subscription handler for a controllable
// widget's command topic: look up (deviceId, pin), trim the payload and
// forward it as a protocol write.
func (b *Bridge) handleDirectSet(topic string, payload []byte) {
	b.mu.RLock()
	target, ok := b.commandTopicTarget[topic]
	b.mu.RUnlock()
	if !ok {
		b.log.Warn("bridge: command on unrouted topic", zap.String("topic", topic), zap.Error(bridgeerr.ErrUnknownPin))
		return
	}

	value := strings.TrimSpace(string(payload))
	if err := b.session().SendCommand(strconv.Itoa(target.DeviceID), target.Pin, value); err != nil {
		b.log.Error("bridge: send command failed", zap.Int("deviceId", target.DeviceID), zap.String("pin", target.Pin), zap.Error(err))
	}
}

// ChargeStep is one command frame in a charging control sequence.
type ChargeStep struct {
	Value    string
	GapAfter bool // true if chargeStepGap must elapse before the next step
}

// ChargingSequence computes the ordered pin-15 writes the multi-step
// charging control protocol requires to reach target ("ON"/"OFF") from the
// device's current status, per the table in §4.5. It is a pure function:
// callers are responsible for actually sending each step and honoring
// GapAfter.
func ChargingSequence(status, target string) ([]ChargeStep, error) {
	switch target {
	case "ON":
		switch status {
		case "0":
			return nil, fmt.Errorf("bridge: refusing to start charging an unplugged device: %w", bridgeerr.ErrCommandRejected)
		case "2":
			return nil, nil // already charging
		case "1":
			return []ChargeStep{{Value: "2"}, {Value: "0"}}, nil
		case "3":
			return []ChargeStep{{Value: "1"}, {Value: "0", GapAfter: true}, {Value: "2"}, {Value: "0"}}, nil
		default:
			return nil, fmt.Errorf("bridge: unknown device status %q: %w", status, bridgeerr.ErrCommandRejected)
		}
	case "OFF":
		if status == "2" {
			return []ChargeStep{{Value: "3"}, {Value: "0"}}, nil
		}
		return nil, nil // not charging, nothing to stop
	default:
		return nil, fmt.Errorf("bridge: unknown charging command payload %q: %w", target, bridgeerr.ErrCommandRejected)
	}
}

// handleChargingSet is the MQTT subscription handler for the charging
// switch's command topic.
func (b *Bridge) handleChargingSet(deviceID int, payload string) {
	target := strings.ToUpper(strings.TrimSpace(payload))

	b.mu.RLock()
	status := b.deviceStatus[deviceID]
	b.mu.RUnlock()

	steps, err := ChargingSequence(status, target)
	if err != nil {
		b.log.Warn("bridge: charging command rejected", zap.Int("deviceId", deviceID), zap.String("status", status), zap.String("target", target), zap.Error(err))
		return
	}
	if len(steps) == 0 {
		return
	}

	deviceIDStr := strconv.Itoa(deviceID)
	sender := b.session()
	for _, step := range steps {
		if err := sender.SendCommand(deviceIDStr, discovery.ChargingPin, step.Value); err != nil {
			b.log.Error("bridge: charging sequence send failed", zap.Int("deviceId", deviceID), zap.String("value", step.Value), zap.Error(err))
			return
		}
		if step.GapAfter {
			time.Sleep(chargeStepGap)
		}
	}
}

// HandleWidgetUpdate is wired as the session's OnWidgetUpdate callback: it
// routes telemetry to its MQTT state topic and, for the Status pin,
// additionally tracks deviceStatus and mirrors the charging switch.
func (b *Bridge) HandleWidgetUpdate(deviceIDStr, pin, value string) {
	deviceID, err := strconv.Atoi(deviceIDStr)
	if err != nil {
		b.log.Warn("bridge: widget update for non-numeric device id", zap.String("deviceId", deviceIDStr))
		return
	}

	b.mu.RLock()
	wiring := b.wiring[deviceID]
	b.mu.RUnlock()
	if wiring == nil {
		return
	}

	ctx := context.Background()
	if topic, ok := wiring.pinToStateTopic[pin]; ok {
		published := value
		if pin == discovery.ChargingPin {
			if human, ok := discovery.TranslateStatus(value); ok {
				published = human
			}
		}
		if err := b.mqtt.Publish(ctx, topic, []byte(published), false); err != nil {
			b.log.Error("bridge: publish widget update failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	if pin == discovery.ChargingPin {
		b.mu.Lock()
		b.deviceStatus[deviceID] = value
		b.mu.Unlock()

		if wiring.chargingPinOK {
			state := "OFF"
			if discovery.ChargingOn(value) {
				state = "ON"
			}
			if err := b.mqtt.Publish(ctx, wiring.chargingStateTopic, []byte(state), false); err != nil {
				b.log.Error("bridge: publish charging mirror failed", zap.Error(err))
			}
		}
	}
}

// HandleCommandSent is wired as the session's OnCommandSent callback: it
// publishes the optimistic echo to the corresponding state topic before the
// vendor side acknowledges via its own widget-update telemetry.
//
// Pin 15 writes are excluded: those are the charging control sequence's
// meta-commands, not a value a sensor should display, and the charging
// switch's own state is driven by the real Status telemetry instead.
func (b *Bridge) HandleCommandSent(deviceIDStr, pin, value string) {
	if pin == discovery.ChargingPin {
		return
	}

	deviceID, err := strconv.Atoi(deviceIDStr)
	if err != nil {
		return
	}

	b.mu.RLock()
	wiring := b.wiring[deviceID]
	b.mu.RUnlock()
	if wiring == nil {
		return
	}

	topic, ok := wiring.pinToStateTopic[pin]
	if !ok {
		return
	}
	if err := b.mqtt.Publish(context.Background(), topic, []byte(value), false); err != nil {
		b.log.Error("bridge: publish optimistic echo failed", zap.String("topic", topic), zap.Error(err))
	}
}

// HandleSessionStateChange is wired as the session's OnStateChange callback.
// It only logs: availability flips are driven by Run's reconnect loop, which
// knows about every device, not just this session's internal state machine.
func (b *Bridge) HandleSessionStateChange(state session.State) {
	b.log.Info("bridge: session state changed", zap.String("state", state.String()))
}

// MarkOffline publishes retained offline availability for every device the
// bridge has provisioned, used both on an unrecoverable session error and on
// shutdown.
func (b *Bridge) MarkOffline(ctx context.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for deviceID, wiring := range b.wiring {
		if err := b.mqtt.Publish(ctx, wiring.topics.Availability(), []byte("offline"), true); err != nil {
			b.log.Warn("bridge: publish offline availability failed", zap.Int("deviceId", deviceID), zap.Error(err))
		}
		if wiring.chargingPinOK {
			if err := b.mqtt.Publish(ctx, wiring.chargingStateTopic, []byte("OFF"), true); err != nil {
				b.log.Warn("bridge: publish offline charging state failed", zap.Int("deviceId", deviceID), zap.Error(err))
			}
		}
	}
}

// RequestShutdown sets the flag RunSupervised checks between reconnect attempts.
func (b *Bridge) RequestShutdown() {
	b.shutdownMu.Lock()
	b.shutdownRequested = true
	b.shutdownMu.Unlock()
}

func (b *Bridge) shuttingDown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.shutdownRequested
}

// Run drives one supervised session lifetime: connect, handshake, provision
// every device, then pump the session's read/keepalive loop until it fails
// or ctx is cancelled. Callers loop Run with RunSupervised for the full
// fixed-backoff reconnect behavior in §4.5.
func (b *Bridge) Run(ctx context.Context, sess *session.Session) error {
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}
	records, err := sess.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("bridge: handshake: %w", err)
	}

	for _, device := range records {
		page, err := sess.FetchDevicePage(ctx, device.DeviceID)
		if err != nil {
			return fmt.Errorf("bridge: fetch device page %d: %w", device.DeviceID, err)
		}
		if err := b.Provision(ctx, device, page); err != nil {
			return fmt.Errorf("bridge: provision device %d: %w", device.DeviceID, err)
		}
	}

	return sess.Run(ctx)
}

// isFatalSessionError reports whether a Run failure is fatal, i.e. not worth
// retrying at all. Wrong credentials and a broken config can never succeed
// on the next attempt, so retrying them just loops a guaranteed failure forever.
func isFatalSessionError(err error) bool {
	return errors.Is(err, bridgeerr.ErrAuthFailed) || errors.Is(err, bridgeerr.ErrConfig)
}

// RunSupervised loops Run with the fixed 30s reconnect backoff from §4.5
// until ctx is cancelled, RequestShutdown has been called, or the session
// fails with a fatal error. Wrong credentials (bridgeerr.ErrAuthFailed) and
// a broken configuration (bridgeerr.ErrConfig) are never worth retrying, so
// those end the loop immediately and the error is returned for main to turn
// into an exit 1, per §6/§7. Every other error is logged and retried.
func (b *Bridge) RunSupervised(ctx context.Context, newSession func() *session.Session) error {
	for {
		if ctx.Err() != nil || b.shuttingDown() {
			return nil
		}

		sess := newSession()
		b.setSession(sess)
		err := b.Run(ctx, sess)
		if err != nil {
			b.log.Error("bridge: session ended", zap.Error(err))
		}
		b.MarkOffline(ctx)
		_ = sess.Close()

		if isFatalSessionError(err) {
			return fmt.Errorf("bridge: fatal session error, not retrying: %w", err)
		}

		if ctx.Err() != nil || b.shuttingDown() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}
