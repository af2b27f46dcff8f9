package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	DialTimeout   time.Duration

	// Consumer
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool
	StartID     string

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery (entries left by crashed consumers)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xhist"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		DialTimeout:   2 * time.Second,
		Consumer:      fmt.Sprintf("xhist-%s-%d", hostname, os.Getpid()),
		Concurrency:   1,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		StartID:       "$",
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"dial_timeout":       c.DialTimeout,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"start_id":           c.StartID,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
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
	flag := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	num("db", &c.DB)
	flag("tls", &c.TLS)
	str("tls_server_name", &c.TLSServerName, true)
	dur("dial_timeout", &c.DialTimeout)
	str("consumer", &c.Consumer, false)
	num("concurrency", &c.Concurrency)
	num("batch_size", &c.BatchSize)
	dur("block", &c.Block)
	flag("auto_create", &c.AutoCreate)
	str("start_id", &c.StartID, false)
	flag("auto_delete_on_ack", &c.AutoDeleteOnAck)
	str("dead_letter", &c.DeadLetter, true)
	switch v := m["max_len_approx"].(type) {
	case int64:
		c.MaxLenApprox = v
	case int:
		c.MaxLenApprox = int64(v)
	}
	dur("claim_min_idle", &c.ClaimMinIdle)
	num("claim_batch", &c.ClaimBatch)
	dur("claim_interval", &c.ClaimInterval)

	return c
}
