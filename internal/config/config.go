package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Client holds the staff client configuration.
type Client struct {
	RelayURL    string
	Token       string
	RingTimeout time.Duration
}

// Server holds the relayd configuration.
type Server struct {
	Addr           string
	DeadPeerGrace  time.Duration
	RecoveryWindow time.Duration
	AvgHandleTime  time.Duration
	StaticTokens   string
	SnapshotDir    string
}

// LoadClient reads client configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env
// values.
func LoadClient() (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	relayURL := os.Getenv("DESK_RELAY_URL")
	if relayURL == "" {
		return nil, fmt.Errorf("DESK_RELAY_URL environment variable is required")
	}

	token := os.Getenv("DESK_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("DESK_TOKEN environment variable is required")
	}

	ring, err := durationSecs("DESK_RING_TIMEOUT_SECS", 60)
	if err != nil {
		return nil, err
	}

	return &Client{
		RelayURL:    relayURL,
		Token:       token,
		RingTimeout: ring,
	}, nil
}

// LoadServer reads relayd configuration the same way.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	addr := os.Getenv("DESK_ADDR")
	if addr == "" {
		addr = ":8087"
	}

	grace, err := durationSecs("DESK_DEAD_PEER_GRACE_SECS", 20)
	if err != nil {
		return nil, err
	}

	windowMin, err := intVar("DESK_RECOVERY_WINDOW_MINUTES", 10)
	if err != nil {
		return nil, err
	}

	handle, err := durationSecs("DESK_AVG_HANDLE_SECS", 180)
	if err != nil {
		return nil, err
	}

	return &Server{
		Addr:           addr,
		DeadPeerGrace:  grace,
		RecoveryWindow: time.Duration(windowMin) * time.Minute,
		AvgHandleTime:  handle,
		StaticTokens:   os.Getenv("DESK_TOKENS"),
		SnapshotDir:    os.Getenv("DESK_SNAPSHOT_DIR"),
	}, nil
}

func intVar(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func durationSecs(name string, defSecs int) (time.Duration, error) {
	n, err := intVar(name, defSecs)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
