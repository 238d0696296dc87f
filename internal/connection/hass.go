package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/hasync/internal/auth"
	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/retry"
)

// Hass is a Transport speaking the Home Assistant WebSocket API.
//
// One goroutine reads the socket and routes results to waiting requests.
// Subscription events and lifecycle events are queued to a second goroutine,
// so handlers may issue requests or cancel subscriptions without stalling
// the reader.
type Hass struct {
	cfg     HassConfig
	logger  *slog.Logger
	session string

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()

	cmdID atomic.Int64

	mu           sync.Mutex
	client       Client
	connected    bool
	closed       bool
	haVersion    string
	pending      map[int64]chan inbound
	handlers     map[int64]func(json.RawMessage) // subscription id → event handler
	listeners    map[EventName]map[uint64]func()
	nextListener uint64
}

// Dial connects, authenticates and returns a ready transport.
func Dial(ctx context.Context, cfg HassConfig, logger *slog.Logger) (*Hass, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccessToken == nil {
		return nil, errors.New("dial: no access token source")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultHassConfig().EventBuffer
	}

	session := uuid.NewString()
	h := &Hass{
		cfg:       cfg,
		logger:    logger.With("session", session),
		session:   session,
		events:    make(chan func(), cfg.EventBuffer),
		pending:   make(map[int64]chan inbound),
		handlers:  make(map[int64]func(json.RawMessage)),
		listeners: make(map[EventName]map[uint64]func()),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	c, err := h.open(ctx)
	if err != nil {
		h.cancel()
		return nil, err
	}

	go h.dispatchLoop()
	h.attach(c)

	h.logger.Info("connected to home assistant", "url", cfg.Client.URL, "ha_version", h.HAVersion())
	return h, nil
}

// Session returns the transport's unique id, used in logs.
func (h *Hass) Session() string {
	return h.session
}

// HAVersion returns the server version reported during authentication.
func (h *Hass) HAVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.haVersion
}

// open dials a socket and runs the auth handshake on it.
func (h *Hass) open(ctx context.Context) (Client, error) {
	c := NewClient(h.cfg.Client, h.logger)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := h.authenticate(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// authenticate performs auth_required → auth → auth_ok.
func (h *Hass) authenticate(ctx context.Context, c Client) error {
	msg, err := h.expect(ctx, c)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("authenticate: %w: unexpected %q", ErrProtocol, msg.Type)
	}

	token, err := h.cfg.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	data, _ := json.Marshal(Message{"type": "auth", "access_token": token})
	if err := c.Send(data); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	msg, err = h.expect(ctx, c)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		h.mu.Lock()
		h.haVersion = msg.HAVersion
		h.mu.Unlock()
		return nil
	case "auth_invalid":
		return retry.Permanent(fmt.Errorf("authenticate: %w: %s", auth.ErrAuthInvalid, msg.Message))
	}
	return fmt.Errorf("authenticate: %w: unexpected %q", ErrProtocol, msg.Type)
}

// expect reads the next message from c during the handshake.
func (h *Hass) expect(ctx context.Context, c Client) (inbound, error) {
	select {
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	case err := <-c.Errors():
		return inbound{}, err
	case raw := <-c.Messages():
		var msg inbound
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			return inbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return msg, nil
	}
}

// attach makes c the active socket and starts reading it.
func (h *Hass) attach(c Client) {
	h.mu.Lock()
	h.client = c
	h.connected = true
	h.mu.Unlock()

	go h.readLoop(c)
}

// readLoop routes messages from one socket until it fails or the transport
// is closed.
func (h *Hass) readLoop(c Client) {
	for {
		select {
		case <-h.ctx.Done():
			return

		case err := <-c.Errors():
			h.connectionLost(c, err)
			return

		case msg := <-c.Messages():
			h.route(msg.Data)
		}
	}
}

// route delivers one inbound message.
func (h *Hass) route(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("invalid message", "error", err)
		return
	}

	switch msg.Type {
	case "result", "pong":
		h.mu.Lock()
		ch, ok := h.pending[msg.ID]
		if ok {
			delete(h.pending, msg.ID)
		}
		h.mu.Unlock()

		if ok {
			ch <- msg
		}

	case "event":
		h.mu.Lock()
		fn := h.handlers[msg.ID]
		h.mu.Unlock()

		if fn != nil {
			event := msg.Event
			h.enqueue(func() { fn(event) })
		}

	default:
		h.logger.Debug("unhandled message", "type", msg.Type, "id", msg.ID)
	}
}

// enqueue schedules fn on the dispatch goroutine. It blocks while the queue
// is full so no event is dropped.
func (h *Hass) enqueue(fn func()) {
	select {
	case h.events <- fn:
	case <-h.ctx.Done():
	}
}

func (h *Hass) dispatchLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case fn := <-h.events:
			fn()
		}
	}
}

// connectionLost fails in-flight requests, drops server-side subscriptions
// (they died with the socket) and notifies listeners.
func (h *Hass) connectionLost(c Client, cause error) {
	h.mu.Lock()
	if h.closed || h.client != c {
		h.mu.Unlock()
		return
	}
	h.connected = false
	pending := h.pending
	h.pending = make(map[int64]chan inbound)
	h.handlers = make(map[int64]func(json.RawMessage))
	h.mu.Unlock()

	c.Close()
	for _, ch := range pending {
		close(ch)
	}

	h.logger.Warn("connection lost", "error", cause)
	h.emit(EventDisconnected)

	if h.cfg.Resume.MaxAttempts > 0 {
		go h.resume()
	}
}

// resume re-establishes the socket under the same transport.
func (h *Hass) resume() {
	policy := h.cfg.Resume
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		h.logger.Debug("resume attempt failed", "attempt", attempt, "backoff", delay, "error", err)
	}

	c, err := retry.DoValue(h.ctx, h.open, policy)
	if err != nil {
		h.logger.Warn("resume failed", "error", err)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		c.Close()
		return
	}

	h.attach(c)
	h.logger.Info("connection resumed")
	h.emit(EventReady)
}

// emit queues a lifecycle event for every listener of name.
func (h *Hass) emit(name EventName) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.listeners[name]))
	for id := range h.listeners[name] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = h.listeners[name][id]
	}
	h.mu.Unlock()

	h.enqueue(func() {
		for _, fn := range fns {
			fn()
		}
	})
}

// AddListener registers fn for a lifecycle event.
func (h *Hass) AddListener(name EventName, fn func()) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextListener++
	id := h.nextListener
	if h.listeners[name] == nil {
		h.listeners[name] = make(map[uint64]func())
	}
	h.listeners[name][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[name], id)
	}
}

// SendRequest sends msg and waits for its result.
func (h *Hass) SendRequest(ctx context.Context, msg Message) (json.RawMessage, error) {
	return h.request(ctx, msg, nil)
}

// request assigns an id, sends msg and waits for the matching result.
// register, if set, runs under the transport lock before the message is
// sent, so event handlers keyed by the id are in place before any event.
func (h *Hass) request(ctx context.Context, msg Message, register func(id int64)) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok && h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	id := h.cmdID.Add(1)
	ch := make(chan inbound, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	if !h.connected {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	c := h.client
	h.pending[id] = ch
	if register != nil {
		register(id)
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	out := make(Message, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	out["id"] = id
	msgType, _ := msg["type"].(string)

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}
	if err := c.Send(data); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", msgType, ErrTimeout)
		}
		return nil, ctx.Err()

	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", msgType, ErrNotConnected)
		}
		if resp.Type == "pong" {
			return nil, nil
		}
		if !resp.Success {
			if resp.Error == nil {
				return nil, &ResultError{Code: CodeUnknownError, Message: "request failed"}
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Ping round-trips a ping message.
func (h *Hass) Ping(ctx context.Context) error {
	_, err := h.SendRequest(ctx, Message{"type": "ping"})
	return err
}

// FetchStates returns the snapshots for ids, or all entities when ids is empty.
func (h *Hass) FetchStates(ctx context.Context, ids []string) ([]model.EntityState, error) {
	raw, err := h.SendRequest(ctx, Message{"type": "get_states"})
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}

	var all []model.EntityState
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("unmarshal states: %w", err)
	}
	if len(ids) == 0 {
		return all, nil
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]model.EntityState, 0, len(ids))
	for _, st := range all {
		if _, ok := wanted[st.EntityID]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// SubscribeEntity opens a state trigger subscription for one entity.
func (h *Hass) SubscribeEntity(ctx context.Context, id string, fn func(model.EntityState)) (func() error, error) {
	if !model.ValidEntityID(id) {
		return nil, fmt.Errorf("subscribe %q: %w", id, retry.ErrInvalidParameter)
	}

	handler := func(raw json.RawMessage) {
		var ev triggerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			h.logger.Warn("invalid trigger event", "entity_id", id, "error", err)
			return
		}
		// to_state is null when the entity was removed.
		if to := ev.Variables.Trigger.ToState; to != nil {
			fn(*to)
		}
	}

	var subID int64
	_, err := h.request(ctx, Message{
		"type":    "subscribe_trigger",
		"trigger": map[string]any{"platform": "state", "entity_id": id},
	}, func(reqID int64) {
		subID = reqID
		h.handlers[reqID] = handler
	})
	if err != nil {
		h.mu.Lock()
		delete(h.handlers, subID)
		h.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = h.unsubscribe(subID) })
		return err
	}, nil
}

// unsubscribe stops local delivery and tells the server. The server's
// acknowledgement is not awaited: cancel may run on the event goroutine.
func (h *Hass) unsubscribe(subID int64) error {
	h.mu.Lock()
	_, live := h.handlers[subID]
	delete(h.handlers, subID)
	connected := h.connected && !h.closed
	h.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if !live {
		return nil
	}

	go func() {
		_, err := h.SendRequest(h.ctx, Message{"type": "unsubscribe_events", "subscription": subID})
		if err != nil {
			h.logger.Debug("unsubscribe failed", "subscription", subID, "error", err)
		}
	}()
	return nil
}

// CallService invokes domain.service.
func (h *Hass) CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error) {
	msg := Message{
		"type":    "call_service",
		"domain":  call.Domain,
		"service": call.Service,
	}
	if len(call.ServiceData) > 0 {
		msg["service_data"] = call.ServiceData
	}
	if call.Target != nil {
		msg["target"] = call.Target
	}
	if call.ReturnResponse {
		msg["return_response"] = true
	}

	raw, err := h.SendRequest(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", call.Domain, call.Service, err)
	}
	return raw, nil
}

// Close tears down the socket and stops all goroutines. Listeners are not
// notified.
func (h *Hass) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.connected = false
	c := h.client
	pending := h.pending
	h.pending = make(map[int64]chan inbound)
	h.handlers = make(map[int64]func(json.RawMessage))
	h.mu.Unlock()

	h.cancel()
	for _, ch := range pending {
		close(ch)
	}

	h.logger.Debug("transport closed")
	if c != nil {
		return c.Close()
	}
	return nil
}
