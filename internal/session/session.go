// Package session owns the vendor WebSocket connection: handshake, framed
// request/response pairing, keepalive and inbound telemetry/command-echo
// dispatch. It never reaches into bridge state — everything it surfaces
// goes through the Callbacks the bridge supplies at construction.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/entity"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/codec"
)

const (
	endpointURL  = "wss://app.eviqo.io/dashws"
	loginPageURL = "https://app.eviqo.io/dashboard/login"
	originHeader = "https://app.eviqo.io"
	userAgent    = "Mozilla/5.0 (compatible; eviqo-mqtt-bridge)"
	clientType    = "web"
	clientVersion = "0.98.2"
	clientLocale  = "en_US"
	devicePageID  = "17948"

	keepaliveInterval     = 15 * time.Second
	defaultListenTimeout  = 10 * time.Second
	keepaliveMissedLimit  = 2
)

// State is a node in the session's lifecycle state machine (§4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CookieFetcher is the boundary the session consumes to obtain the Cookie
// header from the login page fetch — an external collaborator per
// SPEC_FULL.md §4.2/§6. HTTPCookieFetcher below is the default
// implementation; tests may supply their own.
type CookieFetcher interface {
	FetchCookie(ctx context.Context) (string, error)
}

// HTTPCookieFetcher is the default net/http-based CookieFetcher, used in
// production wiring; tests inject a stub instead.
type HTTPCookieFetcher struct {
	Client *http.Client
}

// FetchCookie issues the HTTPS GET against the login page and concatenates
// every Set-Cookie header into a single Cookie value.
func (f *HTTPCookieFetcher) FetchCookie(ctx context.Context) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginPageURL, nil)
	if err != nil {
		return "", fmt.Errorf("session: build cookie request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session: fetch login page: %w: %w", err, bridgeerr.ErrConnectFailed)
	}
	defer resp.Body.Close()

	var cookies []string
	for _, c := range resp.Cookies() {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	return joinCookies(cookies), nil
}

func joinCookies(cookies []string) string {
	out := ""
	for i, c := range cookies {
		if i > 0 {
			out += "; "
		}
		out += c
	}
	return out
}

// Callbacks are the three hooks the bridge wires at construction, per §9's
// "model as interface method callbacks" design note.
type Callbacks struct {
	OnWidgetUpdate func(deviceID, pin, value string)
	OnCommandSent  func(deviceID, pin, value string)
	OnStateChange  func(State)
}

// Session is one WebSocket connection from handshake to close.
type Session struct {
	email    string
	password string

	cookies CookieFetcher
	dialer  *websocket.Dialer
	cb      Callbacks
	log     *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	counter codec.Counter

	stateMu sync.RWMutex
	state   State

	pendingMu sync.Mutex
	pending   map[uint16]chan codec.Frame

	clockMu sync.Mutex
	lastSendAt time.Time
	lastRecvAt time.Time
}

// New constructs a session. cookies may be nil, in which case the default
// HTTPCookieFetcher is used.
func New(email, password string, cookies CookieFetcher, cb Callbacks, log *zap.Logger) *Session {
	if cookies == nil {
		cookies = &HTTPCookieFetcher{}
	}
	return &Session{
		email:    email,
		password: password,
		cookies:  cookies,
		dialer:   websocket.DefaultDialer,
		cb:       cb,
		log:      log,
		pending:  make(map[uint16]chan codec.Frame),
	}
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(next)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Connect opens the WebSocket: cookie fetch, then dial with the browser
// headers §6 requires. It does not perform the protocol handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	cookie, err := s.cookies.FetchCookie(ctx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("session: cookie fetch: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set("Origin", originHeader)
	if cookie != "" {
		header.Set("Cookie", cookie)
	}

	conn, _, err := s.dialer.DialContext(ctx, endpointURL, header)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("session: dial websocket: %w: %w", err, bridgeerr.ErrConnectFailed)
	}

	s.conn = conn
	now := time.Now()
	s.clockMu.Lock()
	s.lastSendAt = now
	s.lastRecvAt = now
	s.clockMu.Unlock()
	return nil
}

// Handshake runs steps 3-5 of §4.2: optional INIT, LOGIN, DEVICE_QUERY. It
// returns the enumerated devices. FetchDevicePage runs step 6 per device.
func (s *Session) Handshake(ctx context.Context) ([]entity.DeviceRecord, error) {
	s.setState(StateHandshaking)

	// INIT is optional; the official client's own behavior (skipping it) is
	// reproduced here rather than sending it, per §4.2 step 3.

	loginPayload := map[string]string{
		"email":      s.email,
		"hash":       computeHash(s.email, s.password),
		"clientType": clientType,
		"version":    clientVersion,
		"locale":     clientLocale,
	}
	loginResp, err := s.sendAwait(ctx, codec.OpLogin, loginPayload, defaultListenTimeout)
	if err != nil {
		s.setState(StateError)
		return nil, fmt.Errorf("session: login: %w", err)
	}
	if !loginResp.IsJSON || len(loginResp.JSON) == 0 {
		s.setState(StateError)
		return nil, fmt.Errorf("session: login response missing user record: %w", bridgeerr.ErrAuthFailed)
	}

	deviceQueryPayload := deviceQueryFilter()
	devicesResp, err := s.sendAwait(ctx, codec.OpDeviceQuery, deviceQueryPayload, defaultListenTimeout)
	if err != nil {
		s.setState(StateError)
		return nil, fmt.Errorf("session: device query: %w", err)
	}

	var devices []entity.DeviceRecord
	if err := json.Unmarshal(devicesResp.JSON, &devices); err != nil {
		s.setState(StateError)
		return nil, fmt.Errorf("session: decode device list: %w", err)
	}

	s.setState(StateReady)
	return devices, nil
}

// deviceQueryFilter is the literal filter block §6 requires for DEVICE_QUERY.
func deviceQueryFilter() map[string]any {
	return map[string]any{
		"docType":  "DEVICE",
		"mode":     "MATCH_ALL",
		"viewType": "LIST",
		"filters": []map[string]any{
			{"type": "SUB_SEGMENT", "filters": []any{}, "mode": "MATCH_ANY", "isCurrent": true},
		},
		"offset": 0,
		"limit":  17,
		"order":  "ASC",
		"sortBy": "Name",
	}
}

// FetchDevicePage runs §4.2 step 6 for one device: DEVICE_NUMBER then
// DEVICE_PAGE.
func (s *Session) FetchDevicePage(ctx context.Context, deviceID int) (*entity.DevicePage, error) {
	idStr := strconv.Itoa(deviceID)

	if _, err := s.sendAwait(ctx, codec.OpDeviceNumber, idStr, defaultListenTimeout); err != nil {
		return nil, fmt.Errorf("session: device number %s: %w", idStr, err)
	}

	pagePayload := map[string]any{
		"pageId":          devicePageID,
		"deviceId":        idStr,
		"dashboardPageId": nil,
	}
	resp, err := s.sendAwait(ctx, codec.OpDevicePage, pagePayload, defaultListenTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: device page %s: %w", idStr, err)
	}

	var page entity.DevicePage
	if err := json.Unmarshal(resp.JSON, &page); err != nil {
		return nil, fmt.Errorf("session: decode device page %s: %w", idStr, err)
	}
	return &page, nil
}

// sendAwait allocates the next msgId, sends, and waits for the next inbound
// frame classified as a response (non-widget-update) carrying that id.
func (s *Session) sendAwait(ctx context.Context, opcode byte, payload any, timeout time.Duration) (codec.Frame, error) {
	id := s.counter.Next()
	ch := make(chan codec.Frame, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(opcode, id, payload); err != nil {
		return codec.Frame{}, err
	}

	select {
	case frame := <-ch:
		return frame, nil
	case <-time.After(timeout):
		return codec.Frame{}, fmt.Errorf("session: no response to opcode 0x%02X msgId %d within %s: %w", opcode, id, timeout, bridgeerr.ErrTimeout)
	case <-ctx.Done():
		return codec.Frame{}, ctx.Err()
	}
}

// sendFire sends a frame without waiting for a response.
func (s *Session) sendFire(opcode byte, payload any) error {
	id := s.counter.Next()
	return s.write(opcode, id, payload)
}

// SendCommand allocates a fresh msgId, emits the command frame and fires
// OnCommandSent synchronously so the bridge can echo optimistic state
// before the server's own widget-update echo arrives (§4.2).
func (s *Session) SendCommand(deviceID, pin, value string) error {
	id := s.counter.Next()
	raw := codec.EncodeCommand(deviceID, pin, value, id)

	if err := s.writeRaw(raw); err != nil {
		return err
	}
	if s.cb.OnCommandSent != nil {
		s.cb.OnCommandSent(deviceID, pin, value)
	}
	return nil
}

func (s *Session) write(opcode byte, id uint16, payload any) error {
	raw, err := codec.EncodeFrame(opcode, id, payload)
	if err != nil {
		return fmt.Errorf("session: encode frame: %w", err)
	}
	return s.writeRaw(raw)
}

func (s *Session) writeRaw(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	s.clockMu.Lock()
	s.lastSendAt = time.Now()
	s.clockMu.Unlock()
	return nil
}

// Run drives the read loop and the keepalive timer until ctx is cancelled
// or an unrecoverable error occurs; the latter is returned so the
// supervisor can reconnect.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go s.keepaliveLoop(ctx, errCh)

	readErr := s.readLoop(ctx)
	cancel()

	select {
	case kaErr := <-errCh:
		if readErr == nil {
			readErr = kaErr
		}
	default:
	}

	if readErr != nil {
		s.setState(StateError)
	}
	return readErr
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}

		s.clockMu.Lock()
		s.lastRecvAt = time.Now()
		s.clockMu.Unlock()

		frame, err := codec.DecodeFrame(raw)
		if err != nil {
			s.log.Warn("session: dropped malformed frame", zap.Error(err))
			continue
		}

		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame codec.Frame) {
	if frame.IsWidget {
		if s.cb.OnWidgetUpdate != nil {
			s.cb.OnWidgetUpdate(frame.Widget.DeviceID, frame.Widget.WidgetID, frame.Widget.Value)
		}
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[frame.Header.MsgID]
	s.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (s *Session) keepaliveLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.clockMu.Lock()
			sinceSend := time.Since(s.lastSendAt)
			sinceRecv := time.Since(s.lastRecvAt)
			s.clockMu.Unlock()

			if sinceRecv >= keepaliveMissedLimit*keepaliveInterval {
				errCh <- fmt.Errorf("session: missed %d keepalive windows with no inbound frame: %w", keepaliveMissedLimit, bridgeerr.ErrTimeout)
				_ = s.conn.Close()
				return
			}

			if sinceSend >= keepaliveInterval {
				if err := s.sendFire(codec.OpKeepalive, nil); err != nil {
					errCh <- fmt.Errorf("session: keepalive send: %w", err)
					return
				}
			}
		}
	}
}

// Close tears down the socket and transitions to Disconnected.
func (s *Session) Close() error {
	s.setState(StateClosing)
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.setState(StateDisconnected)
	return err
}
