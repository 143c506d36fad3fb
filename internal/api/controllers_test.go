package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"batchtrader/internal/engine"
	"batchtrader/internal/events"
	"batchtrader/internal/ledger"
	"batchtrader/internal/monitor"
	"batchtrader/internal/signal"
	"batchtrader/internal/venue"
	"batchtrader/pkg/db"
	"batchtrader/pkg/exchanges/common"
)

type staticPrices map[string]float64

func (p staticPrices) LatestPrice(pair string) (float64, time.Time, bool) {
	v, ok := p[pair]
	return v, time.Now(), ok
}

func newTestAPIServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("db.NewInMemory: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	inst := common.Instrument{Symbol: "XBT/EUR", Base: "XBT", Quote: "EUR"}
	prices := staticPrices{"XBT/EUR": 100.0}
	wallet := ledger.NewWallet(1000)
	sim := venue.NewSim(prices, []common.Instrument{inst}, "EUR", 1000, 0.0025, 5)
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	eng, err := engine.New(engine.Config{
		BuyAmount:      100,
		FeeRate:        0.0025,
		MinTradeAmount: 5,
		Params:         signal.DefaultParams(),
		CooldownTicks:  36,
		WindowLen:      120,
	}, []common.Instrument{inst}, sim, wallet, prices, bus, metrics)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	server := NewServer(
		bus,
		database,
		eng,
		wallet,
		nil,
		nil,
		metrics,
		SystemMeta{
			Mode:        "simulated",
			Instruments: []string{"XBT/EUR"},
			Interval:    time.Second,
			Version:     "test",
		},
		"test-secret",
	)

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() {
		httpServer.Close()
		_ = database.Close()
	}
	return httpServer, cleanup
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func loginTestUser(t *testing.T, baseURL string) string {
	t.Helper()

	creds := map[string]string{"email": "trader@example.com", "password": "hunter22"}
	if code := doJSONRequest(t, http.MethodPost, baseURL+"/api/auth/register", "", creds, nil); code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d", code, http.StatusCreated)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	if code := doJSONRequest(t, http.MethodPost, baseURL+"/api/auth/login", "", creds, &loginResp); code != http.StatusOK {
		t.Fatalf("login status = %d, want %d", code, http.StatusOK)
	}
	if loginResp.Token == "" {
		t.Fatal("login returned empty token")
	}
	return loginResp.Token
}

func TestHealth(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	if code := doJSONRequest(t, http.MethodGet, server.URL+"/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", code, http.StatusOK)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	for _, path := range []string{"/api/assets", "/api/wallet", "/api/trades"} {
		if code := doJSONRequest(t, http.MethodGet, server.URL+path, "", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want %d", path, code, http.StatusUnauthorized)
		}
	}
}

func TestRegisterLoginAndWallet(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	token := loginTestUser(t, server.URL)

	var walletResp struct {
		Balance float64 `json:"balance"`
	}
	if code := doJSONRequest(t, http.MethodGet, server.URL+"/api/wallet", token, nil, &walletResp); code != http.StatusOK {
		t.Fatalf("wallet status = %d, want %d", code, http.StatusOK)
	}
	if walletResp.Balance != 1000 {
		t.Fatalf("balance = %v, want 1000", walletResp.Balance)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	creds := map[string]string{"email": "dup@example.com", "password": "secret99"}
	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/auth/register", "", creds, nil); code != http.StatusCreated {
		t.Fatalf("first register status = %d, want %d", code, http.StatusCreated)
	}
	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/auth/register", "", creds, nil); code != http.StatusConflict {
		t.Fatalf("second register status = %d, want %d", code, http.StatusConflict)
	}
}

func TestManualBuyShowsInAssets(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	token := loginTestUser(t, server.URL)

	order := map[string]any{"instrument": "XBT/EUR", "amount": 100.0}
	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/manual/buy", token, order, nil); code != http.StatusOK {
		t.Fatalf("manual buy status = %d, want %d", code, http.StatusOK)
	}

	var assetsResp struct {
		Assets []engine.AssetView `json:"assets"`
	}
	if code := doJSONRequest(t, http.MethodGet, server.URL+"/api/assets", token, nil, &assetsResp); code != http.StatusOK {
		t.Fatalf("assets status = %d, want %d", code, http.StatusOK)
	}
	if len(assetsResp.Assets) != 1 {
		t.Fatalf("assets = %d, want 1", len(assetsResp.Assets))
	}
	a := assetsResp.Assets[0]
	if a.Mode != engine.ModeHolding {
		t.Fatalf("mode = %s, want %s", a.Mode, engine.ModeHolding)
	}
	if len(a.Batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(a.Batches))
	}
}

func TestManualBuyBelowMinimum(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	token := loginTestUser(t, server.URL)

	order := map[string]any{"instrument": "XBT/EUR", "amount": 2.0}
	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/manual/buy", token, order, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("manual buy status = %d, want %d", code, http.StatusUnprocessableEntity)
	}
}

func TestResetClearsSimulatedSession(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	token := loginTestUser(t, server.URL)

	order := map[string]any{"instrument": "XBT/EUR", "amount": 100.0}
	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/manual/buy", token, order, nil); code != http.StatusOK {
		t.Fatalf("manual buy status = %d, want %d", code, http.StatusOK)
	}

	if code := doJSONRequest(t, http.MethodPost, server.URL+"/api/reset", token, nil, nil); code != http.StatusOK {
		t.Fatalf("reset status = %d, want %d", code, http.StatusOK)
	}

	var assetsResp struct {
		Assets []engine.AssetView `json:"assets"`
	}
	if code := doJSONRequest(t, http.MethodGet, server.URL+"/api/assets", token, nil, &assetsResp); code != http.StatusOK {
		t.Fatalf("assets status = %d, want %d", code, http.StatusOK)
	}
	if len(assetsResp.Assets[0].Batches) != 0 {
		t.Fatalf("batches after reset = %d, want 0", len(assetsResp.Assets[0].Batches))
	}
}

func TestSessionStatus(t *testing.T) {
	server, cleanup := newTestAPIServer(t)
	defer cleanup()

	var status struct {
		Mode        string   `json:"mode"`
		Instruments []string `json:"instruments"`
	}
	if code := doJSONRequest(t, http.MethodGet, server.URL+"/api/session/status", "", nil, &status); code != http.StatusOK {
		t.Fatalf("status = %d, want %d", code, http.StatusOK)
	}
	if status.Mode != "simulated" {
		t.Fatalf("mode = %q, want simulated", status.Mode)
	}
	if len(status.Instruments) != 1 || status.Instruments[0] != "XBT/EUR" {
		t.Fatalf("instruments = %v", status.Instruments)
	}
}
