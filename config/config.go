// Package config resolves the daemon configuration from built-in defaults,
// an optional YAML file, and BITCHAT_* environment variables (highest
// precedence). Rejected values log and fall back to the default rather than
// failing startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

// Fixed GATT identifiers for the chat service.
const (
	SvcUUID = "7e0f8f20-cc0b-4c6e-8a3e-5d21b2f8a9c4"
	TxUUID  = "7e0f8f21-cc0b-4c6e-8a3e-5d21b2f8a9c4" // notify
	RxUUID  = "7e0f8f22-cc0b-4c6e-8a3e-5d21b2f8a9c4" // write w/ response
)

const (
	DefaultMTUPayload = 100
	MinMTUPayload     = 20
	MaxMTUPayload     = 244

	// PSKEnvVar is where the AEAD layer reads the pre-shared key.
	PSKEnvVar = "BITCHAT_PSK"
)

var macRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

var log = logging.MustGetLogger("config")

// Config is the fully resolved daemon configuration.
type Config struct {
	Transport  string `yaml:"transport"` // "loopback" or "bluez"
	Role       string `yaml:"role"`      // "central" or "peripheral"
	Adapter    string `yaml:"adapter"`   // host adapter name, e.g. "hci0"
	Peer       string `yaml:"peer"`      // optional peer MAC, uppercase
	UserID     string `yaml:"user_id"`   // opaque identity, <= 64 bytes
	CtrlHello  bool   `yaml:"ctrl_hello"`
	MTUPayload int    `yaml:"mtu_payload"`
	TxPauseMs  int    `yaml:"tx_pause_ms"` // central inter-fragment pause
	CtlSock    string `yaml:"ctl_sock"`
}

func defaults() Config {
	return Config{
		Transport:  "loopback",
		Role:       "peripheral",
		Adapter:    "hci0",
		CtrlHello:  true,
		MTUPayload: DefaultMTUPayload,
		TxPauseMs:  100,
	}
}

// DefaultFilePath is the optional YAML config file location.
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bitchat", "config.yaml")
}

// DefaultCtlSock is where the control socket lives unless overridden.
func DefaultCtlSock() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".cache", "bitchat-clone", "ctl.sock")
}

// Load resolves the configuration: defaults, then the YAML file (if
// present), then the environment.
func Load() Config {
	cfg := defaults()
	if path := DefaultFilePath(); path != "" {
		applyFile(&cfg, path)
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // optional file
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warningf("ignoring malformed config file %s: %v", path, err)
		*cfg = defaults()
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BITCHAT_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("BITCHAT_ROLE"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("BITCHAT_ADAPTER"); v != "" {
		cfg.Adapter = v
	}
	if v := os.Getenv("BITCHAT_PEER"); v != "" {
		cfg.Peer = v
	}
	if v := os.Getenv("BITCHAT_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("BITCHAT_CTRL_HELLO"); v != "" {
		cfg.CtrlHello = v != "0"
	}
	if v := os.Getenv("BITCHAT_MTU_PAYLOAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MTUPayload = n
		} else {
			log.Warningf("BITCHAT_MTU_PAYLOAD=%q is not a number, keeping %d", v, cfg.MTUPayload)
		}
	}
	if v := os.Getenv("BITCHAT_TX_PAUSE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.TxPauseMs = n
		} else {
			log.Warningf("BITCHAT_TX_PAUSE_MS=%q is not a non-negative number, keeping %d", v, cfg.TxPauseMs)
		}
	}
	if v := os.Getenv("BITCHAT_CTL_SOCK"); v != "" {
		cfg.CtlSock = v
	}
}

func normalize(cfg *Config) {
	switch cfg.Transport {
	case "loopback", "bluez":
	default:
		log.Warningf("unknown transport %q, falling back to loopback", cfg.Transport)
		cfg.Transport = "loopback"
	}
	switch cfg.Role {
	case "central", "peripheral":
	default:
		log.Warningf("unknown role %q, falling back to peripheral", cfg.Role)
		cfg.Role = "peripheral"
	}
	if cfg.Peer != "" {
		if !ValidMAC(cfg.Peer) {
			log.Warningf("invalid peer MAC %q, ignoring", cfg.Peer)
			cfg.Peer = ""
		} else {
			cfg.Peer = strings.ToUpper(cfg.Peer)
		}
	}
	if len(cfg.UserID) > 64 {
		cfg.UserID = cfg.UserID[:64]
	}
	if cfg.MTUPayload < MinMTUPayload || cfg.MTUPayload > MaxMTUPayload {
		if cfg.MTUPayload != DefaultMTUPayload {
			log.Warningf("mtu payload %d out of range [%d,%d], using %d",
				cfg.MTUPayload, MinMTUPayload, MaxMTUPayload, DefaultMTUPayload)
		}
		cfg.MTUPayload = DefaultMTUPayload
	}
	if cfg.CtlSock == "" {
		cfg.CtlSock = DefaultCtlSock()
	}
	cfg.CtlSock = ExpandUser(cfg.CtlSock)
}

// ValidMAC reports whether s looks like AA:BB:CC:DD:EE:FF.
func ValidMAC(s string) bool {
	return macRe.MatchString(s)
}

// ExpandUser expands a leading "~" or "~/" to $HOME.
func ExpandUser(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	if len(p) > 1 && p[1] != '/' {
		return p
	}
	home := os.Getenv("HOME")
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	return home + p[1:]
}

// ValidateUUIDs confirms the compiled-in GATT identifiers are well-formed
// RFC 4122 UUIDs. Called once at daemon startup.
func ValidateUUIDs() error {
	for _, u := range []string{SvcUUID, TxUUID, RxUUID} {
		if _, err := uuid.Parse(u); err != nil {
			return fmt.Errorf("config: bad GATT UUID %q: %w", u, err)
		}
	}
	return nil
}
