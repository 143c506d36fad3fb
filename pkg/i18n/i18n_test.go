package i18n

import (
	"reflect"
	"testing"
)

func TestGetSwitchesLanguage(t *testing.T) {
	t.Cleanup(func() { SetLanguage(LangEN) })

	SetLanguage(LangEN)
	if got := Get("WalletRefreshed"); got != "Wallet refreshed from venue: %.2f" {
		t.Fatalf("en WalletRefreshed = %q", got)
	}
	SetLanguage(LangZH)
	if got := Get("WalletRefreshed"); got != "錢包已從交易所更新：%.2f" {
		t.Fatalf("zh WalletRefreshed = %q", got)
	}
}

func TestGetUnknownKeyReturnsKey(t *testing.T) {
	if got := Get("NoSuchKey"); got != "NoSuchKey" {
		t.Fatalf("unknown key = %q, want the key itself", got)
	}
}

// Every catalog entry must be translated in both languages; an empty field
// means a key was added to the struct without its strings.
func TestCatalogsComplete(t *testing.T) {
	for name, catalog := range map[string]Messages{"en": messagesEN, "zh": messagesZH} {
		v := reflect.ValueOf(catalog)
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).String() == "" {
				t.Errorf("%s catalog: %s is empty", name, v.Type().Field(i).Name)
			}
		}
	}
}
