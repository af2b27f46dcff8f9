package nats

import (
	"fmt"
	"os"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Config for the NATS transport.
type Config struct {
	// URL of the server, NATS_URL or nats://127.0.0.1:4222 when empty.
	URL string
	// Name identifies the connection in server monitoring.
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	DialTimeout   time.Duration

	// SubjectPrefix is prepended to every routing key, e.g. "xhist" -> xhist.events.PERSON_ADDED.
	SubjectPrefix string
	// DeadLetter is the routing key rejected messages are republished to. Empty drops them.
	DeadLetter string
	// PendingLimit bounds buffered messages per subscription before the server drops.
	PendingLimit int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = natsgo.DefaultURL
	}
	return Config{
		URL:           url,
		Name:          "xhist",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
		DialTimeout:   2 * time.Second,
		PendingLimit:  natsgo.DefaultSubPendingMsgsLimit,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial_timeout must be > 0, got %v", c.DialTimeout)
	}
	if c.PendingLimit < 1 {
		return fmt.Errorf("config: pending_limit must be >= 1, got %d", c.PendingLimit)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":            c.URL,
		"name":           c.Name,
		"max_reconnects": c.MaxReconnects,
		"reconnect_wait": c.ReconnectWait,
		"dial_timeout":   c.DialTimeout,
		"subject_prefix": c.SubjectPrefix,
		"dead_letter":    c.DeadLetter,
		"pending_limit":  c.PendingLimit,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string) {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	num := func(k string, dst *int) {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	dur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				*dst = p
			}
		}
	}

	str("url", &c.URL)
	str("name", &c.Name)
	num("max_reconnects", &c.MaxReconnects)
	dur("reconnect_wait", &c.ReconnectWait)
	dur("dial_timeout", &c.DialTimeout)
	str("subject_prefix", &c.SubjectPrefix)
	str("dead_letter", &c.DeadLetter)
	num("pending_limit", &c.PendingLimit)
	return c
}
