package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting         string
	ConfigLoaded     string
	UsingDBPath      string
	ServerListening  string
	ShuttingDown     string
	SnapshotSaved    string
	SnapshotRestored string
	NoPriorState     string
	ConfigLoadFailed string
	DBInitFailed     string
	StateLoadFailed  string
	APIServerError   string
	SimulatedMode    string
	LiveMode         string

	// Stream
	StreamConnecting  string
	StreamInitialized string
	StreamFailed      string

	// Wallet
	WalletInitialized string
	WalletRefreshed   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:         "Starting batch trader...",
	ConfigLoaded:     "Config loaded (Port: %s, Mode: %s)",
	UsingDBPath:      "Using DB path: %s",
	ServerListening:  "Server listening on :%s",
	ShuttingDown:     "Shutting down gracefully...",
	SnapshotSaved:    "Session snapshot saved",
	SnapshotRestored: "Session restored from snapshot (version %d)",
	NoPriorState:     "No prior session state, starting fresh",
	ConfigLoadFailed: "Failed to load config: %v",
	DBInitFailed:     "Failed to init database: %v",
	StateLoadFailed:  "Failed to load state: %v",
	APIServerError:   "API server error: %v",
	SimulatedMode:    "Running in SIMULATED mode (orders will NOT hit the venue)",
	LiveMode:         "Running in LIVE mode against Kraken",

	// Stream
	StreamConnecting:  "Connecting market stream for %d instruments...",
	StreamInitialized: "Market stream initialized, decision loop started",
	StreamFailed:      "Market stream failed permanently: %v",

	// Wallet
	WalletInitialized: "Wallet initialized: %.2f",
	WalletRefreshed:   "Wallet refreshed from venue: %.2f",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:         "批次交易系統啟動中...",
	ConfigLoaded:     "設定已載入（Port：%s，模式：%s）",
	UsingDBPath:      "使用資料庫路徑：%s",
	ServerListening:  "伺服器監聽於 :%s",
	ShuttingDown:     "正在優雅關閉...",
	SnapshotSaved:    "交易狀態快照已儲存",
	SnapshotRestored: "已從快照還原交易狀態（版本 %d）",
	NoPriorState:     "沒有先前的交易狀態，全新開始",
	ConfigLoadFailed: "載入設定失敗：%v",
	DBInitFailed:     "初始化資料庫失敗：%v",
	StateLoadFailed:  "載入狀態失敗：%v",
	APIServerError:   "API 伺服器錯誤：%v",
	SimulatedMode:    "以模擬模式執行（訂單不會送交易所）",
	LiveMode:         "以實盤模式連線 Kraken",

	// Stream
	StreamConnecting:  "連線行情串流（%d 個交易對）...",
	StreamInitialized: "行情串流初始化完成，決策迴圈已啟動",
	StreamFailed:      "行情串流永久失效：%v",

	// Wallet
	WalletInitialized: "錢包初始化：%.2f",
	WalletRefreshed:   "錢包已從交易所更新：%.2f",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
