package angelone

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"oms-systemv1/internal/model"
)

const (
	defaultFeedURL    = "wss://tns.angelone.in/smart-order-update"
	heartbeatInterval = 10 * time.Second
	readDeadline      = 30 * time.Second
	maxBackoff        = 60 * time.Second
)

// OrderFeed streams broker order-status updates over the SmartAPI order
// websocket. Parsed updates are delivered on Updates; reading them is the
// consumer's job. The feed reconnects with exponential backoff and never
// gives up until the context is cancelled.
type OrderFeed struct {
	client  *Client
	url     string
	dialer  *websocket.Dialer
	Updates chan *model.OrderUpdate

	// Hooks, optional. OnDrop fires when an update is discarded because
	// Updates was full.
	OnDrop      func()
	OnReconnect func(attempt int)
}

func NewOrderFeed(client *Client, feedURL string, buffer int) *OrderFeed {
	if feedURL == "" {
		feedURL = defaultFeedURL
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &OrderFeed{
		client:  client,
		url:     feedURL,
		dialer:  websocket.DefaultDialer,
		Updates: make(chan *model.OrderUpdate, buffer),
	}
}

// Run connects and pumps updates until ctx is cancelled. Each disconnect
// triggers a backoff-and-redial; the session token is re-read from the
// client on every attempt so a relogin picks up fresh credentials.
func (f *OrderFeed) Run(ctx context.Context) {
	backoff := time.Second
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := f.dial()
		if err != nil {
			attempt++
			log.Printf("[angelone] order feed dial failed (attempt %d): %v", attempt, err)
			if f.OnReconnect != nil {
				f.OnReconnect(attempt)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		attempt = 0
		log.Printf("[angelone] order feed connected")
		f.pump(ctx, conn)
		conn.Close()
	}
}

func (f *OrderFeed) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.client.AccessToken())
	header.Set("x-api-key", f.client.cfg.APIKey)
	header.Set("x-client-code", f.client.cfg.ClientCode)
	header.Set("x-feed-token", f.client.FeedToken())

	conn, _, err := f.dialer.Dial(f.url, header)
	return conn, err
}

// pump reads until error or cancellation. A heartbeat goroutine keeps the
// connection alive; the pong handler extends the read deadline so a dead
// peer is detected within readDeadline.
func (f *OrderFeed) pump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"),
					time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[angelone] order feed read error: %v", err)
			}
			return
		}
		upd := parseOrderMessage(raw)
		if upd == nil {
			continue
		}
		select {
		case f.Updates <- upd:
		default:
			log.Printf("[angelone] order feed buffer full, dropping update for %s", upd.BrokerOrderID)
			if f.OnDrop != nil {
				f.OnDrop()
			}
		}
	}
}

// feedMessage is the order-status envelope on the wire. Quantities arrive
// as strings.
type feedMessage struct {
	OrderData struct {
		OrderID        string `json:"orderid"`
		OrderTag       string `json:"ordertag"`
		Status         string `json:"status"`
		OrderStatus    string `json:"orderstatus"`
		FilledShares   string `json:"filledshares"`
		AveragePrice   string `json:"averageprice"`
		UnfilledShares string `json:"unfilledshares"`
		Text           string `json:"text"`
	} `json:"orderData"`
}

func parseOrderMessage(raw []byte) *model.OrderUpdate {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	d := msg.OrderData
	if d.OrderID == "" {
		// Heartbeats and acks carry no order data.
		return nil
	}

	status := d.OrderStatus
	if status == "" {
		status = d.Status
	}
	filled, _ := strconv.ParseInt(d.FilledShares, 10, 64)
	pending, _ := strconv.ParseInt(d.UnfilledShares, 10, 64)
	price, _ := strconv.ParseFloat(d.AveragePrice, 64)

	return &model.OrderUpdate{
		OrderID:       d.OrderTag,
		BrokerOrderID: d.OrderID,
		Status:        status,
		FilledQty:     filled,
		FilledPrice:   price,
		PendingQty:    pending,
		StatusMessage: d.Text,
		Timestamp:     time.Now().UTC(),
	}
}
