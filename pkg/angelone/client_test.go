package angelone

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"oms-systemv1/internal/model"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIKey:     "key",
		ClientCode: "C123",
		PIN:        "0000",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
		RootURL:    srv.URL,
	})
	return c, srv
}

func TestLoginStoresTokens(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["login"] {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-PrivateKey") != "key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]string{
				"jwtToken":  "jwt-1",
				"feedToken": "feed-1",
			},
		})
	})

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.AccessToken() != "jwt-1" || c.FeedToken() != "feed-1" {
		t.Fatalf("tokens = %q/%q", c.AccessToken(), c.FeedToken())
	}
	if gotBody["clientcode"] != "C123" || gotBody["totp"] == "" {
		t.Fatalf("login body = %+v", gotBody)
	}
}

func TestPlaceOrder(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]string{"orderid": "240601000001"},
		})
	})

	id, err := c.PlaceOrder(context.Background(), &model.BrokerCommand{
		Kind:         model.BrokerPlaceOrder,
		OrderID:      "ord-1",
		InstrumentID: "2885",
		Symbol:       "RELIANCE-EQ",
		Exchange:     "NSE",
		Side:         model.SideBuy,
		Qty:          10,
		OrderType:    model.OrderTypeLimit,
		Price:        100.5,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "240601000001" {
		t.Fatalf("id = %q", id)
	}
	if gotBody["ordertag"] != "ord-1" {
		t.Fatalf("ordertag = %q, internal id must ride along", gotBody["ordertag"])
	}
	if gotBody["variety"] != "NORMAL" || gotBody["ordertype"] != "LIMIT" ||
		gotBody["price"] != "100.50" || gotBody["quantity"] != "10" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestPlaceStoplossMarketOrder(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]string{"orderid": "240601000002"},
		})
	})

	_, err := c.PlaceOrder(context.Background(), &model.BrokerCommand{
		Kind:         model.BrokerPlaceOrder,
		OrderID:      "ord-2",
		Side:         model.SideSell,
		Qty:          10,
		OrderType:    model.OrderTypeSLM,
		TriggerPrice: 98,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if gotBody["variety"] != "STOPLOSS" || gotBody["ordertype"] != "STOPLOSS_MARKET" {
		t.Fatalf("body = %+v", gotBody)
	}
	if gotBody["triggerprice"] != "98.00" {
		t.Fatalf("triggerprice = %q", gotBody["triggerprice"])
	}
	if _, ok := gotBody["price"]; ok {
		t.Fatal("market stoploss must not carry a limit price")
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":    false,
			"message":   "Insufficient funds",
			"errorcode": "AB1004",
		})
	})

	_, err := c.PlaceOrder(context.Background(), &model.BrokerCommand{OrderID: "ord-3", Qty: 1})
	if err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestCancelOrder(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["order.cancel"] {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"status": true, "data": map[string]string{}})
	})

	if err := c.CancelOrder(context.Background(), "240601000001"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotBody["orderid"] != "240601000001" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestParseOrderMessage(t *testing.T) {
	raw := []byte(`{
		"orderData": {
			"orderid": "240601000001",
			"ordertag": "ord-1",
			"orderstatus": "complete",
			"filledshares": "6",
			"unfilledshares": "4",
			"averageprice": "100.45",
			"text": ""
		}
	}`)
	u := parseOrderMessage(raw)
	if u == nil {
		t.Fatal("update not parsed")
	}
	if u.OrderID != "ord-1" || u.BrokerOrderID != "240601000001" {
		t.Fatalf("ids = %q/%q", u.OrderID, u.BrokerOrderID)
	}
	if u.Status != "complete" || u.FilledQty != 6 || u.PendingQty != 4 || u.FilledPrice != 100.45 {
		t.Fatalf("update = %+v", u)
	}
}

func TestParseOrderMessageHeartbeat(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte(`pong`),
		[]byte(`{"user-id":"C123"}`),
		[]byte(`{"orderData":{}}`),
	} {
		if u := parseOrderMessage(raw); u != nil {
			t.Fatalf("parsed %s as %+v", raw, u)
		}
	}
}
