package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Delivery DeliveryConfig `json:"delivery"`
	Dispatch DispatchConfig `json:"dispatch"`
	Pprof    PprofConfig    `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the session API server.
//
// Timeouts are Go duration strings (e.g. "5s", "1m").
type HTTPConfig struct {
	Addr         string `json:"addr"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the session store backend.
//
// Driver values:
//   - "memory": in-process map, lost on exit
//   - "sqlite": SQLite database file
//
// If Driver is empty, "memory" is used.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DeliveryConfig selects and configures the delivery capability driver.
//
// Driver values:
//   - "sim": simulated delivery (development/testing)
//   - "telegram": real delivery via the Telegram Bot API
type DeliveryConfig struct {
	Driver string `json:"driver"`

	// CredentialFile is the default credential bundle for sessions started
	// in credential-bundle mode without their own material (telegram: a file
	// holding the bot token).
	CredentialFile string `json:"credential_file,omitempty"`

	// Phone is the default identifier for phone-identifier mode sessions.
	Phone string `json:"phone,omitempty"`

	// Offline disables live API handshakes (telegram driver only; testing).
	Offline bool `json:"offline,omitempty"`

	// Sim driver knobs.
	SimLatency   string `json:"sim_latency,omitempty"` // Go duration string
	SimFailEvery int    `json:"sim_fail_every,omitempty"`
}

// PprofConfig controls the optional profiling server. A non-loopback Addr
// requires Token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix  string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token   string `json:"token,omitempty"`
}

// DispatchConfig controls the session dispatch scheduler.
//
// Durations are Go duration strings.
type DispatchConfig struct {
	// DefaultDelaySeconds is used when a start request omits delay_seconds.
	DefaultDelaySeconds int `json:"default_delay_seconds,omitempty"`

	// RatePerSec caps outbound sends across all sessions. 0 disables the cap.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	AcquireTimeout string `json:"acquire_timeout,omitempty"` // default "30s"
	SendTimeout    string `json:"send_timeout,omitempty"`    // default "15s"
}
