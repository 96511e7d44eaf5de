package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	joinTimeout       = 10 * time.Second
	heartbeatInterval = 25 * time.Second
)

// Client is a Phoenix-protocol websocket connection to the realtime
// service. One Client multiplexes any number of channels; each channel
// maps to one Subscribe call.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // serializes writes to the socket

	mu       sync.Mutex
	channels map[string]*channel
	nextRef  int64
	closed   bool

	done chan struct{}
}

type channel struct {
	client    *Client
	spec      ChannelSpec
	joinRef   string
	onEvent   EventFunc
	onStatus  StatusFunc
	joined    bool
	left      bool
	joinTimer *time.Timer
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Dial connects to the realtime endpoint. The access token authenticates
// row-level visibility server-side; pass the empty string for anonymous.
func Dial(endpoint, apiKey, token string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	if token != "" {
		q.Set("token", token)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		channels: make(map[string]*channel),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

// Subscribe joins a channel. Events and statuses are delivered from the
// connection's read goroutine, in the order the server sent them.
func (c *Client) Subscribe(spec ChannelSpec, onEvent EventFunc, onStatus StatusFunc) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: connection closed")
	}
	if _, exists := c.channels[spec.Topic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: already subscribed to %q", spec.Topic)
	}
	ch := &channel{
		client:   c,
		spec:     spec,
		joinRef:  c.refLocked(),
		onEvent:  onEvent,
		onStatus: onStatus,
	}
	c.channels[spec.Topic] = ch
	c.mu.Unlock()

	if err := c.sendJoin(ch); err != nil {
		c.mu.Lock()
		delete(c.channels, spec.Topic)
		c.mu.Unlock()
		return nil, err
	}

	ch.joinTimer = time.AfterFunc(joinTimeout, func() {
		c.mu.Lock()
		timedOut := !ch.joined && !ch.left
		c.mu.Unlock()
		if timedOut && ch.onStatus != nil {
			ch.onStatus(StatusTimedOut)
		}
	})
	return ch, nil
}

// Close tears down the socket. Channel callbacks receive no further events.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.left = true
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

func (c *Client) refLocked() string {
	c.nextRef++
	return strconv.FormatInt(c.nextRef, 10)
}

func (c *Client) ref() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refLocked()
}

type pgChangeBinding struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []pgChangeBinding `json:"postgres_changes,omitempty"`
		Presence        *struct {
			Key string `json:"key"`
		} `json:"presence,omitempty"`
	} `json:"config"`
}

func (c *Client) sendJoin(ch *channel) error {
	var p joinPayload
	if ch.spec.Table != "" {
		p.Config.PostgresChanges = []pgChangeBinding{{
			Event:  "*",
			Schema: "public",
			Table:  ch.spec.Table,
			Filter: ch.spec.Filter,
		}}
	}
	if ch.spec.Presence {
		p.Config.Presence = &struct {
			Key string `json:"key"`
		}{}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.write(frame{
		Topic:   ch.spec.Topic,
		Event:   "phx_join",
		Payload: payload,
		Ref:     ch.joinRef,
		JoinRef: ch.joinRef,
	})
}

func (c *Client) write(f frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.write(frame{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage("{}"),
				Ref:     c.ref(),
			})
			if err != nil {
				c.failAll()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll()
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn("realtime: bad frame", zap.Error(err))
			}
			continue
		}
		c.dispatch(f)
	}
}

// failAll notifies every live channel that the transport itself is stale.
func (c *Client) failAll() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var chans []*channel
	for _, ch := range c.channels {
		if !ch.left {
			chans = append(chans, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range chans {
		if ch.onStatus != nil {
			ch.onStatus(StatusChannelError)
		}
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	ch, ok := c.channels[f.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch f.Event {
	case "phx_reply":
		c.handleReply(ch, f)
	case "phx_close":
		c.mu.Lock()
		ch.left = true
		delete(c.channels, f.Topic)
		c.mu.Unlock()
		if ch.onStatus != nil {
			ch.onStatus(StatusClosed)
		}
	case "phx_error":
		if ch.onStatus != nil {
			ch.onStatus(StatusChannelError)
		}
	case "postgres_changes":
		c.handleRowChange(ch, f)
	case "presence_state":
		var states map[string]json.RawMessage
		if err := json.Unmarshal(f.Payload, &states); err != nil {
			return
		}
		ch.onEvent(Event{Type: EventPresenceSync, States: states})
	case "presence_diff":
		var diff struct {
			Joins  map[string]json.RawMessage `json:"joins"`
			Leaves map[string]json.RawMessage `json:"leaves"`
		}
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			return
		}
		if len(diff.Joins) > 0 {
			ch.onEvent(Event{Type: EventPresenceJoin, States: diff.Joins})
		}
		if len(diff.Leaves) > 0 {
			ch.onEvent(Event{Type: EventPresenceLeave, States: diff.Leaves})
		}
	}
}

func (c *Client) handleReply(ch *channel, f frame) {
	if f.Ref != ch.joinRef {
		return // reply to a leave or track push
	}
	var reply struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(f.Payload, &reply)

	c.mu.Lock()
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.joined = reply.Status == "ok"
	c.mu.Unlock()

	if ch.onStatus == nil {
		return
	}
	if reply.Status == "ok" {
		ch.onStatus(StatusSubscribed)
	} else {
		ch.onStatus(StatusChannelError)
	}
}

func (c *Client) handleRowChange(ch *channel, f frame) {
	var payload struct {
		Data struct {
			Type   EventType       `json:"type"`
			Table  string          `json:"table"`
			Record json.RawMessage `json:"record"`
		} `json:"data"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		if c.logger != nil {
			c.logger.Warn("realtime: bad row change", zap.Error(err))
		}
		return
	}
	if payload.Data.Type != EventInsert && payload.Data.Type != EventUpdate {
		return
	}
	ch.onEvent(Event{
		Type:  payload.Data.Type,
		Table: payload.Data.Table,
		New:   payload.Data.Record,
	})
}

// Unsubscribe leaves the channel. No status callback fires for a local
// leave, so reconnection logic never confuses it with a failure.
func (ch *channel) Unsubscribe() error {
	c := ch.client
	c.mu.Lock()
	if ch.left {
		c.mu.Unlock()
		return nil
	}
	ch.left = true
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	delete(c.channels, ch.spec.Topic)
	closed := c.closed
	ref := c.refLocked()
	c.mu.Unlock()

	if closed {
		return nil
	}
	return c.write(frame{
		Topic:   ch.spec.Topic,
		Event:   "phx_leave",
		Payload: json.RawMessage("{}"),
		Ref:     ref,
		JoinRef: ch.joinRef,
	})
}

// Track publishes the local presence state on the channel.
func (ch *channel) Track(state any) error {
	inner, err := json.Marshal(state)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": json.RawMessage(inner),
	})
	if err != nil {
		return err
	}
	c := ch.client
	return c.write(frame{
		Topic:   ch.spec.Topic,
		Event:   "presence",
		Payload: payload,
		Ref:     c.ref(),
		JoinRef: ch.joinRef,
	})
}
