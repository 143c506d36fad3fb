package config

import (
	"strings"
	"testing"
)

func base() *Config {
	return &Config{
		Instruments:     []string{"XBT/EUR"},
		Mode:            "simulated",
		IntervalSeconds: 5,
		BuyAmount:       100,
		MinTradeAmount:  5,
		FeeRate:         0.0025,
		StopLossPercent: 0.15,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid simulated", func(c *Config) {}, ""},
		{"no instruments", func(c *Config) { c.Instruments = nil }, "1 to 5"},
		{"six instruments", func(c *Config) {
			c.Instruments = []string{"A/EUR", "B/EUR", "C/EUR", "D/EUR", "E/EUR", "F/EUR"}
		}, "1 to 5"},
		{"malformed pair", func(c *Config) { c.Instruments = []string{"XBTEUR"} }, "base/quote"},
		{"live without credentials", func(c *Config) { c.Mode = "live" }, "KRAKEN_API_KEY"},
		{"live with credentials", func(c *Config) {
			c.Mode = "live"
			c.KrakenAPIKey = "k"
			c.KrakenAPISecret = "s"
		}, ""},
		{"unknown mode", func(c *Config) { c.Mode = "paper" }, "MODE"},
		{"buy amount below minimum", func(c *Config) { c.BuyAmount = 4 }, "venue minimum"},
		{"negative fee", func(c *Config) { c.FeeRate = -0.01 }, "FEE_RATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error=%v, expected to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCoercesInterval(t *testing.T) {
	c := base()
	c.IntervalSeconds = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.IntervalSeconds != 1 {
		t.Fatalf("interval=%d, expected coercion to 1", c.IntervalSeconds)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" XBT/EUR, ETH/EUR ,,ADA/EUR ")
	want := []string{"XBT/EUR", "ETH/EUR", "ADA/EUR"}
	if len(got) != len(want) {
		t.Fatalf("got %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, expected %v", got, want)
		}
	}
}
