// Package kraken implements the Kraken spot REST client and the public
// websocket market stream. One websocket carries every pair subscription;
// Kraken can drop an individual channel while the socket stays open, which
// is why subscriptions are repairable one pair at a time.
package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotYetOpen is returned by Subscribe when the transport has no live
// socket, typically right after a venue-side auto-reconnect.
var ErrNotYetOpen = errors.New("kraken: transport not yet open")

// StreamEvent is the typed union delivered on the transport's event
// channel: *PriceTick, *SubscriptionStatus, *TransportClosed.
type StreamEvent interface{ streamEvent() }

// PriceTick is one normalized ticker update for a pair.
type PriceTick struct {
	Pair  string
	Price float64
	At    time.Time
}

// SubscriptionStatus reports the outcome of a subscribe/unsubscribe request.
type SubscriptionStatus struct {
	Pair       string
	Subscribed bool
	Err        error
}

// TransportClosed reports that the socket is gone; Err is nil on a clean
// local close.
type TransportClosed struct {
	Err error
}

func (*PriceTick) streamEvent()          {}
func (*SubscriptionStatus) streamEvent() {}
func (*TransportClosed) streamEvent()    {}

// Transport is the single multiplexed websocket to Kraken's public feed.
type Transport struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan StreamEvent
	closed bool
}

// NewTransport builds a transport for the given websocket URL
// (wss://ws.kraken.com in production).
func NewTransport(url string) *Transport {
	return &Transport{url: url, dialer: websocket.DefaultDialer}
}

// Connect dials the socket and starts the read pump. Events from the pump
// are delivered on the returned channel until the socket dies or Close is
// called; the channel is closed after a TransportClosed event.
func (t *Transport) Connect(ctx context.Context) (<-chan StreamEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil, fmt.Errorf("kraken: transport already connected")
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial kraken ws: %w", err)
	}
	t.conn = conn
	t.closed = false
	t.events = make(chan StreamEvent, 256)

	go t.readPump(conn, t.events)
	return t.events, nil
}

// Subscribe asks for the ticker channel of one pair. Safe to call again for
// a pair that is already subscribed; Kraken re-acks and keeps streaming,
// which makes it the repair primitive for a silently dead channel.
func (t *Transport) Subscribe(pair string) error {
	return t.writeJSON(map[string]any{
		"event":        "subscribe",
		"pair":         []string{pair},
		"subscription": map[string]string{"name": "ticker"},
	})
}

// Unsubscribe drops one pair's ticker channel.
func (t *Transport) Unsubscribe(pair string) error {
	return t.writeJSON(map[string]any{
		"event":        "unsubscribe",
		"pair":         []string{pair},
		"subscription": map[string]string{"name": "ticker"},
	})
}

func (t *Transport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotYetOpen
	}
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("kraken ws write: %w", err)
	}
	return nil
}

// Close tears the socket down. The read pump notices and emits a clean
// TransportClosed before closing the event channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.closed = true
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *Transport) readPump(conn *websocket.Conn, out chan<- StreamEvent) {
	defer close(out)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			clean := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if clean || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				out <- &TransportClosed{}
				return
			}
			out <- &TransportClosed{Err: err}
			return
		}

		ev, err := parseStreamMessage(msg)
		if err != nil {
			log.Printf("kraken ws parse error: %v", err)
			continue
		}
		if ev == nil {
			continue // heartbeat or system status
		}
		select {
		case out <- ev:
		default:
			// Consumer is behind; shedding a tick is preferable to
			// blocking the read pump and stalling every channel.
		}
	}
}

// tickerPayload mirrors the fields of Kraken's ticker message we use.
// Each entry is an array of decimal strings, price first.
type tickerPayload struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

// parseStreamMessage decodes one inbound frame. Returns (nil, nil) for
// frames that carry no price or status information.
func parseStreamMessage(msg []byte) (StreamEvent, error) {
	trimmed := strings.TrimSpace(string(msg))
	if strings.HasPrefix(trimmed, "{") {
		var ev struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			Pair         string `json:"pair"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, fmt.Errorf("decode event frame: %w", err)
		}
		if ev.Event != "subscriptionStatus" {
			return nil, nil // heartbeat, systemStatus, pong
		}
		st := &SubscriptionStatus{Pair: ev.Pair, Subscribed: ev.Status == "subscribed"}
		if ev.Status == "error" {
			st.Err = fmt.Errorf("kraken subscription %s: %s", ev.Pair, ev.ErrorMessage)
		}
		return st, nil
	}

	// Data frames are arrays: [channelID, payload, channelName, pair].
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("decode data frame: %w", err)
	}
	if len(frame) < 4 {
		return nil, nil
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		return nil, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, fmt.Errorf("decode pair: %w", err)
	}
	var payload tickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return nil, fmt.Errorf("decode ticker payload: %w", err)
	}

	price, ok := normalizePrice(payload)
	if !ok {
		return nil, nil // nothing usable in this frame, drop it
	}
	return &PriceTick{Pair: pair, Price: price, At: time.Now()}, nil
}

// normalizePrice reduces a ticker payload to one scalar: last trade price
// when present, else the bid/ask mid, else whichever side exists.
func normalizePrice(p tickerPayload) (float64, bool) {
	last := firstPrice(p.Last)
	if last > 0 {
		return last, true
	}
	bid, ask := firstPrice(p.Bid), firstPrice(p.Ask)
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2, true
	case bid > 0:
		return bid, true
	case ask > 0:
		return ask, true
	}
	return 0, false
}

func firstPrice(arr []string) float64 {
	if len(arr) == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(arr[0], 64)
	if err != nil || f <= 0 {
		return 0
	}
	return f
}
