package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Call      Call      `json:"call"`
	API       API       `json:"api"`
	Relay     Relay     `json:"relay"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// PeerID is the stable identifier this client binds to the signaling
	// channel. Supplied by the auth/session layer; never generated here.
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`

	// Token is the bearer token presented when connecting to the relay.
	Token string `json:"token"`
}

type Signaling struct {
	// URL of the relay websocket endpoint, e.g. "ws://localhost:8790/ws".
	URL string `json:"url"`

	// Reconnect backoff: delay = min(base_ms * 1.5^attempt, max_ms).
	ReconnectBaseMs int `json:"reconnect_base_ms"`
	ReconnectMaxMs  int `json:"reconnect_max_ms"`

	// Heartbeat interval and the number of consecutive missed acks that
	// force a reconnect.
	HeartbeatSec   int `json:"heartbeat_seconds"`
	MissedAckLimit int `json:"missed_ack_limit"`

	// Ack wait for Emit calls that request delivery confirmation.
	AckTimeoutMs int `json:"ack_timeout_ms"`
}

type ICE struct {
	// STUNURLs are always offered to the peer connection.
	STUNURLs []string `json:"stun_urls"`

	// TURN relay for restrictive NATs. Empty URL disables TURN.
	TURNURL        string `json:"turn_url"`
	TURNUsername   string `json:"turn_username"`
	TURNCredential string `json:"turn_credential"`

	// ICE timeouts (seconds): disconnected, failed, keep-alive.
	// The defaults are generous so a brief relay hiccup does not kill a call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keep_alive_interval_sec"`
}

type Media struct {
	// Video capture caps. Ideal, not exact — acquisition must not hard-fail
	// when the device cannot satisfy them.
	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`

	VideoBitRate int `json:"video_bitrate"`
	AudioBitRate int `json:"audio_bitrate"`
}

type Call struct {
	// OutgoingRingSec bounds how long an unanswered outgoing call rings.
	OutgoingRingSec int `json:"outgoing_ring_sec"`

	// IncomingRingSec bounds how long an incoming call waits before
	// auto-reject.
	IncomingRingSec int `json:"incoming_ring_sec"`

	// DisconnectGraceSec is how long an ICE "disconnected" link may try to
	// self-heal before the session treats it as failed.
	DisconnectGraceSec int `json:"disconnect_grace_sec"`
}

type API struct {
	// HTTPAddr for the local UI-facing API. Empty picks 127.0.0.1:0.
	HTTPAddr string `json:"http_addr"`
}

type Relay struct {
	// Addr the relay server listens on when running with -relay.
	Addr string `json:"addr"`

	// JWTSecret validates bearer tokens. Required in relay mode.
	JWTSecret string `json:"jwt_secret"`
}

type Log struct {
	// Level applies to all callkit subsystems: debug|info|warn|error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:             "ws://127.0.0.1:8790/ws",
			ReconnectBaseMs: 500,
			ReconnectMaxMs:  15000,
			HeartbeatSec:    20,
			MissedAckLimit:  3,
			AckTimeoutMs:    5000,
		},
		ICE: ICE{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Media: Media{
			VideoMaxWidth:  640,
			VideoMaxHeight: 480,
			VideoBitRate:   1_500_000,
			AudioBitRate:   32_000,
		},
		Call: Call{
			OutgoingRingSec:    30,
			IncomingRingSec:    45,
			DisconnectGraceSec: 10,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8791",
		},
		Relay: Relay{
			Addr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Signaling
	if err := validateWsURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ReconnectBaseMs <= 0 {
		return errors.New("signaling.reconnect_base_ms must be > 0")
	}
	if c.Signaling.ReconnectMaxMs < c.Signaling.ReconnectBaseMs {
		return errors.New("signaling.reconnect_max_ms must be >= reconnect_base_ms")
	}
	if c.Signaling.HeartbeatSec <= 0 {
		return errors.New("signaling.heartbeat_seconds must be > 0")
	}
	if c.Signaling.MissedAckLimit <= 0 {
		return errors.New("signaling.missed_ack_limit must be > 0")
	}
	if c.Signaling.AckTimeoutMs <= 0 {
		return errors.New("signaling.ack_timeout_ms must be > 0")
	}

	// ICE
	if len(c.ICE.STUNURLs) == 0 && c.ICE.TURNURL == "" {
		return errors.New("ice: at least one STUN or TURN server is required")
	}
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun: url", u)
		}
	}
	if c.ICE.TURNURL != "" {
		if !strings.HasPrefix(c.ICE.TURNURL, "turn:") && !strings.HasPrefix(c.ICE.TURNURL, "turns:") {
			return errors.New("ice.turn_url must be a turn: or turns: url")
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "" {
			return errors.New("ice.turn_url requires turn_username and turn_credential")
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveIntervalSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.FailedTimeoutSec <= c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_sec must be > disconnected_timeout_sec")
	}

	// Media
	if c.Media.VideoMaxWidth <= 0 || c.Media.VideoMaxHeight <= 0 {
		return errors.New("media video caps must be > 0")
	}
	if c.Media.VideoBitRate <= 0 || c.Media.AudioBitRate <= 0 {
		return errors.New("media bitrates must be > 0")
	}

	// Call
	if c.Call.OutgoingRingSec <= 0 {
		return errors.New("call.outgoing_ring_sec must be > 0")
	}
	if c.Call.IncomingRingSec <= 0 {
		return errors.New("call.incoming_ring_sec must be > 0")
	}
	if c.Call.DisconnectGraceSec < 0 {
		return errors.New("call.disconnect_grace_sec must be >= 0")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug|info|warn|error, got %q", c.Log.Level)
	}

	return nil
}

func validateWsURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like log.level) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
