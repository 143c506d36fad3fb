package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to Kraken's spot REST API. Private calls are signed with the
// account's API secret; all calls share one rate limiter so bursts of
// retries cannot trip the venue's counter.
type Client struct {
	baseURL string
	key     string
	secret  []byte
	http    *http.Client
	limiter *rate.Limiter
	nonce   func() int64
}

// NewClient builds a REST client. secret is the base64-encoded API secret
// as issued by Kraken; an empty key/secret pair limits the client to
// public endpoints.
func NewClient(baseURL, key, secret string) (*Client, error) {
	var decoded []byte
	if secret != "" {
		var err error
		decoded, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode api secret: %w", err)
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  decoded,
		http:    &http.Client{Timeout: 15 * time.Second},
		// Kraken's private tier allows roughly 1 call/s sustained.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		nonce:   func() int64 { return time.Now().UnixNano() / int64(time.Millisecond) },
	}, nil
}

// apiError carries Kraken's error strings, e.g. "EOrder:Insufficient funds".
type apiError struct {
	messages []string
}

func (e *apiError) Error() string {
	return "kraken: " + strings.Join(e.messages, "; ")
}

// OrderRequest describes one market order. Volume is in base currency;
// quote-sized buys are converted by the caller against the latest price
// before placing.
type OrderRequest struct {
	Pair    string
	Side    string // "buy" or "sell"
	Volume  float64
	UserRef string
}

// OrderResult is the venue's acknowledgement of a filled market order.
type OrderResult struct {
	TxID   []string
	Descr  string
	Volume float64
	Price  float64
	Fee    float64
	Cost   float64
}

// AddOrder places a market order and polls the resulting trade once for
// fill details.
func (c *Client) AddOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	form := url.Values{}
	form.Set("pair", req.Pair)
	form.Set("type", req.Side)
	form.Set("ordertype", "market")
	form.Set("volume", strconv.FormatFloat(req.Volume, 'f', -1, 64))
	if req.UserRef != "" {
		form.Set("userref", req.UserRef)
	}

	var resp struct {
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
		TxID []string `json:"txid"`
	}
	if err := c.call(ctx, "/0/private/AddOrder", form, &resp); err != nil {
		return OrderResult{}, err
	}

	out := OrderResult{TxID: resp.TxID, Descr: resp.Descr.Order, Volume: req.Volume}
	if len(resp.TxID) > 0 {
		if err := c.fillDetails(ctx, resp.TxID[0], &out); err != nil {
			// The order is live even when the lookup fails; the caller
			// reconciles from the balance instead.
			return out, nil
		}
	}
	return out, nil
}

func (c *Client) fillDetails(ctx context.Context, txid string, out *OrderResult) error {
	form := url.Values{}
	form.Set("txid", txid)
	var resp map[string]struct {
		Price string `json:"price"`
		Cost  string `json:"cost"`
		Fee   string `json:"fee"`
		Vol   string `json:"vol_exec"`
	}
	if err := c.call(ctx, "/0/private/QueryOrders", form, &resp); err != nil {
		return err
	}
	o, ok := resp[txid]
	if !ok {
		return fmt.Errorf("kraken: order %s not found", txid)
	}
	out.Price, _ = strconv.ParseFloat(o.Price, 64)
	out.Cost, _ = strconv.ParseFloat(o.Cost, 64)
	out.Fee, _ = strconv.ParseFloat(o.Fee, 64)
	if v, err := strconv.ParseFloat(o.Vol, 64); err == nil && v > 0 {
		out.Volume = v
	}
	return nil
}

// Balance returns the account balances keyed by Kraken asset code.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	var resp map[string]string
	if err := c.call(ctx, "/0/private/Balance", url.Values{}, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp))
	for asset, v := range resp {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance %s=%q: %w", asset, v, err)
		}
		out[asset] = f
	}
	return out, nil
}

// PairInfo describes one tradable pair.
type PairInfo struct {
	Altname  string `json:"altname"`
	WSName   string `json:"wsname"`
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	OrderMin string `json:"ordermin"`
}

// AssetPairs lists the venue's tradable pairs.
func (c *Client) AssetPairs(ctx context.Context) (map[string]PairInfo, error) {
	var resp map[string]PairInfo
	if err := c.call(ctx, "/0/public/AssetPairs", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// call performs one API request. A nil form means a public GET; otherwise
// the request is a signed private POST.
func (c *Client) call(ctx context.Context, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var req *http.Request
	var err error
	if form == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	} else {
		if c.key == "" {
			return fmt.Errorf("kraken: private endpoint %s requires credentials", path)
		}
		nonce := strconv.FormatInt(c.nonce(), 10)
		form.Set("nonce", nonce)
		body := form.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("API-Key", c.key)
			req.Header.Set("API-Sign", c.sign(path, nonce, body))
		}
	}
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kraken %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	if len(envelope.Error) > 0 {
		return &apiError{messages: envelope.Error}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result %s: %w", path, err)
		}
	}
	return nil
}

// sign computes the API-Sign header: HMAC-SHA512 over path and
// SHA256(nonce+postdata), keyed with the decoded secret.
func (c *Client) sign(path, nonce, body string) string {
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
