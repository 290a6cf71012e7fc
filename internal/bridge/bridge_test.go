package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/entity"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/config"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/discovery"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/mqttclient"
)

type commandCall struct {
	deviceID, pin, value string
	at                   time.Time
}

type fakeSender struct {
	mu    sync.Mutex
	calls []commandCall
	err   error
}

func (f *fakeSender) SendCommand(deviceID, pin, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, commandCall{deviceID, pin, value, time.Now()})
	return nil
}

func (f *fakeSender) values() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.value
	}
	return out
}

type publishCall struct {
	topic   string
	payload []byte
	retain  bool
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []publishCall
	subscribed []string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishCall{topic, append([]byte{}, payload...), retain})
	return nil
}

func (f *fakePublisher) Subscribe(_ context.Context, topicFilter string, _ mqttclient.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topicFilter)
	return nil
}

func (f *fakePublisher) subscribedTo(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.subscribed {
		if t == topic {
			return true
		}
	}
	return false
}

func (f *fakePublisher) last(topic string) (publishCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return publishCall{}, false
}

func newTestBridge(sender commandSender, pub *fakePublisher) *Bridge {
	cfg := &config.Config{TopicPrefix: "eviqo", DiscoveryPrefix: "homeassistant"}
	return New(cfg, zap.NewNop(), pub, sender)
}

func TestChargingSequenceMatrix(t *testing.T) {
	cases := []struct {
		name   string
		status string
		target string
		want   []string
	}{
		{"plugged to on", "1", "ON", []string{"2", "0"}},
		{"stopped to on", "3", "ON", []string{"1", "0", "2", "0"}},
		{"unplugged to on rejected", "0", "ON", nil},
		{"already charging to on is noop", "2", "ON", nil},
		{"charging to off", "2", "OFF", []string{"3", "0"}},
		{"not charging to off ignored", "1", "OFF", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			steps, _ := ChargingSequence(tc.status, tc.target)
			var got []string
			for _, s := range steps {
				got = append(got, s.Value)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("ChargingSequence(%q,%q) = %v, want %v", tc.status, tc.target, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("ChargingSequence(%q,%q)[%d] = %q, want %q", tc.status, tc.target, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChargingSequenceUnpluggedTargetOnReturnsError(t *testing.T) {
	_, err := ChargingSequence("0", "ON")
	if err == nil {
		t.Fatal("expected an error rejecting ON from unplugged")
	}
}

func TestHandleChargingSetFromPluggedSendsTwoCalls(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender, &fakePublisher{})
	b.deviceStatus[1] = "1"

	b.handleChargingSet(1, "ON")

	got := sender.values()
	want := []string{"2", "0"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestHandleChargingSetFromStoppedHasGapBeforeThirdCall(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender, &fakePublisher{})
	b.deviceStatus[1] = "3"

	b.handleChargingSet(1, "on")

	sender.mu.Lock()
	calls := append([]commandCall{}, sender.calls...)
	sender.mu.Unlock()

	if len(calls) != 4 {
		t.Fatalf("got %d calls, want 4: %+v", len(calls), calls)
	}
	gap := calls[2].at.Sub(calls[1].at)
	if gap < 250*time.Millisecond {
		t.Fatalf("gap between step 2 and 3 = %s, want >= 250ms", gap)
	}
}

func TestHandleChargingSetFromUnpluggedSendsNoCommands(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender, &fakePublisher{})
	b.deviceStatus[1] = "0"

	b.handleChargingSet(1, "ON")

	if got := sender.values(); len(got) != 0 {
		t.Fatalf("expected zero calls, got %v", got)
	}
}

func TestHandleDirectSetTrimsPayloadAndRoutesByTopic(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender, &fakePublisher{})
	b.commandTopicTarget["eviqo/51627/current/set"] = pinTarget{DeviceID: 51627, Pin: "3"}

	b.handleDirectSet("eviqo/51627/current/set", []byte("  32  \n"))

	got := sender.values()
	if len(got) != 1 || got[0] != "32" {
		t.Fatalf("calls = %v, want [\"32\"]", got)
	}
}

func TestHandleWidgetUpdatePublishesTranslatedStatusAndMirrorsCharging(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(&fakeSender{}, pub)
	b.wiring[51627] = &deviceWiring{
		pinToStateTopic: map[string]string{
			"15": "eviqo/51627/status/state",
		},
		chargingPinOK:      true,
		chargingStateTopic: "eviqo/51627/charging/state",
	}

	b.HandleWidgetUpdate("51627", "15", "2")

	statusMsg, ok := pub.last("eviqo/51627/status/state")
	if !ok || string(statusMsg.payload) != "charging" {
		t.Fatalf("status publish = %+v, ok=%v, want payload 'charging'", statusMsg, ok)
	}
	chargingMsg, ok := pub.last("eviqo/51627/charging/state")
	if !ok || string(chargingMsg.payload) != "ON" {
		t.Fatalf("charging mirror = %+v, ok=%v, want payload 'ON'", chargingMsg, ok)
	}

	b.mu.RLock()
	status := b.deviceStatus[51627]
	b.mu.RUnlock()
	if status != "2" {
		t.Fatalf("deviceStatus = %q, want raw \"2\"", status)
	}
}

func TestHandleCommandSentExcludesChargingPin(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(&fakeSender{}, pub)
	b.wiring[51627] = &deviceWiring{
		pinToStateTopic: map[string]string{"15": "eviqo/51627/status/state"},
	}

	b.HandleCommandSent("51627", "15", "2")

	if _, ok := pub.last("eviqo/51627/status/state"); ok {
		t.Fatal("pin-15 control writes must not echo to the status sensor")
	}
}

func TestHandleCommandSentEchoesDirectCommand(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(&fakeSender{}, pub)
	b.wiring[51627] = &deviceWiring{
		pinToStateTopic: map[string]string{"3": "eviqo/51627/current/state"},
	}

	b.HandleCommandSent("51627", "3", "32")

	msg, ok := pub.last("eviqo/51627/current/state")
	if !ok || string(msg.payload) != "32" || msg.retain {
		t.Fatalf("echo publish = %+v, ok=%v", msg, ok)
	}
}

func devicePageWithStatusPin(pin string) *entity.DevicePage {
	status := entity.Stream{ID: 1, Pin: pin, Name: "Status"}
	status.Visualization.Value = "1"
	current := entity.Stream{ID: 2, Pin: "3", Name: "Current"}
	current.Visualization.Value = "16"

	page := &entity.DevicePage{}
	page.Dashboard.Widgets = []entity.Widget{
		{Modules: []entity.Module{{DisplayDataStreams: []entity.Stream{status, current}}}},
	}
	return page
}

func TestProvisionSubscribesControllableAndChargingTopicsWhenPinMatches(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(&fakeSender{}, pub)
	page := devicePageWithStatusPin(discovery.ChargingPin)
	device := entity.DeviceRecord{DeviceID: 51627, Name: "Driveway Charger"}

	if err := b.Provision(context.Background(), device, page); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if !pub.subscribedTo("eviqo/51627/current/set") {
		t.Fatal("expected a subscription on the current command topic")
	}
	if !pub.subscribedTo("eviqo/51627/charging/set") {
		t.Fatal("expected a subscription on the charging command topic when the Status pin matches")
	}
	if _, ok := pub.last("eviqo/51627/status"); !ok {
		t.Fatal("expected retained availability publish")
	}
}

func TestIsFatalSessionErrorStopsRetryForAuthAndConfig(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"auth failed", fmt.Errorf("session: login: %w", bridgeerr.ErrAuthFailed), true},
		{"bad config", fmt.Errorf("bridge: provision: %w", bridgeerr.ErrConfig), true},
		{"nil error", nil, false},
		{"connect failed is retryable", fmt.Errorf("session: dial: %w", bridgeerr.ErrConnectFailed), false},
		{"timeout is retryable", fmt.Errorf("session: keepalive: %w", bridgeerr.ErrTimeout), false},
		{"unwrapped error is retryable", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isFatalSessionError(tc.err); got != tc.want {
				t.Fatalf("isFatalSessionError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestProvisionRefusesChargingSwitchWhenStatusPinMismatched(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(&fakeSender{}, pub)
	page := devicePageWithStatusPin("99")
	device := entity.DeviceRecord{DeviceID: 1}

	if err := b.Provision(context.Background(), device, page); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if pub.subscribedTo("eviqo/1/charging/set") {
		t.Fatal("must not subscribe the charging command topic when the Status widget reports an unexpected pin")
	}
}
