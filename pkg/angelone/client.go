// Package angelone is a minimal Angel One SmartAPI client covering what an
// order pipeline needs: TOTP session login, order placement, modification
// and cancellation, and the order-status websocket feed. Market data and
// portfolio endpoints are out of scope here.
package angelone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"oms-systemv1/internal/model"
)

const defaultRootURL = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"logout":       "/rest/secure/angelbroking/user/v1/logout",
	"order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"order.modify": "/rest/secure/angelbroking/order/v1/modifyOrder",
	"order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
}

type Config struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string

	RootURL string        // default https://apiconnect.angelone.in
	Timeout time.Duration // per-request, default 7s
	Debug   bool
}

// Client talks to the SmartAPI REST order endpoints. It satisfies
// model.BrokerClient. The HTTP client carries its own timeout so a stalled
// broker call cannot block a stream consumer indefinitely.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	accessToken string
	feedToken   string
}

func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRootURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	cfg.RootURL = strings.TrimRight(cfg.RootURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Login opens a session. The TOTP code is generated from the configured
// secret at call time, so the clock must be roughly in sync with the
// broker's.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	res, err := c.doJSON(ctx, http.MethodPost, "login", map[string]string{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.PIN,
		"totp":       code,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var tokens struct {
		JWTToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	}
	if err := json.Unmarshal(res.Data, &tokens); err != nil {
		return fmt.Errorf("login response: %w", err)
	}
	if tokens.JWTToken == "" {
		return fmt.Errorf("login succeeded without a session token")
	}

	c.mu.Lock()
	c.accessToken = tokens.JWTToken
	c.feedToken = tokens.FeedToken
	c.mu.Unlock()

	log.Printf("[angelone] session opened for %s", c.cfg.ClientCode)
	return nil
}

// Logout terminates the session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, "logout", map[string]string{
		"clientcode": c.cfg.ClientCode,
	})
	return err
}

// FeedToken returns the websocket feed token obtained at login.
func (c *Client) FeedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedToken
}

// AccessToken returns the current session JWT.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// PlaceOrder submits a new order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, cmd *model.BrokerCommand) (string, error) {
	res, err := c.doJSON(ctx, http.MethodPost, "order.place", placeParams(cmd))
	if err != nil {
		return "", err
	}
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil || data.OrderID == "" {
		return "", fmt.Errorf("place order: no order id in response")
	}
	return data.OrderID, nil
}

// ModifyOrder amends the price, trigger price and quantity of a live order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, cmd *model.BrokerCommand) error {
	params := placeParams(cmd)
	params["orderid"] = brokerOrderID
	_, err := c.doJSON(ctx, http.MethodPost, "order.modify", params)
	return err
}

// CancelOrder cancels a live order. The broker cancels only the open
// remainder of a partially filled order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "order.cancel", map[string]string{
		"variety": "NORMAL",
		"orderid": brokerOrderID,
	})
	return err
}

// placeParams maps a pipeline broker command onto SmartAPI order params.
// The internal order id rides along as the ordertag so that fills coming
// back on the websocket can be correlated without a mapping lookup.
func placeParams(cmd *model.BrokerCommand) map[string]string {
	variety := "NORMAL"
	ordertype := string(cmd.OrderType)
	switch cmd.OrderType {
	case model.OrderTypeSL:
		variety, ordertype = "STOPLOSS", "STOPLOSS_LIMIT"
	case model.OrderTypeSLM:
		variety, ordertype = "STOPLOSS", "STOPLOSS_MARKET"
	}

	p := map[string]string{
		"variety":         variety,
		"tradingsymbol":   cmd.Symbol,
		"symboltoken":     cmd.InstrumentID,
		"transactiontype": string(cmd.Side),
		"exchange":        cmd.Exchange,
		"ordertype":       ordertype,
		"producttype":     "INTRADAY",
		"duration":        "DAY",
		"quantity":        fmt.Sprintf("%d", cmd.Qty),
		"ordertag":        cmd.OrderID,
	}
	if cmd.Price > 0 {
		p["price"] = fmt.Sprintf("%.2f", cmd.Price)
	}
	if cmd.TriggerPrice > 0 {
		p["triggerprice"] = fmt.Sprintf("%.2f", cmd.TriggerPrice)
	}
	return p
}

func (c *Client) doJSON(ctx context.Context, method, route string, params any) (*apiResponse, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route %q", route)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RootURL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	if c.cfg.Debug {
		log.Printf("[angelone] %s %s %s", method, uri, body)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Debug {
		log.Printf("[angelone] %s -> %d %s", uri, resp.StatusCode, raw)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: bad response (%d): %w", route, resp.StatusCode, err)
	}
	if !out.Status {
		return &out, fmt.Errorf("%s: %s (%s)", route, out.Message, out.ErrorCode)
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", "127.0.0.1")
	req.Header.Set("X-ClientPublicIP", "127.0.0.1")
	req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
	if tok := c.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
