package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":8080"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultJWTIssuer           = "cvbien"
	defaultCreditsPerEuro      = 5
	defaultDocumentListLimit   = 20
	defaultLedgerHistoryLimit  = 50
	defaultRequestTimeout      = 10 * time.Second
	defaultOptimizeTimeout     = 90 * time.Second
	webhookSignatureHeaderName = "Checkout-Signature"
)

// Config aggregates runtime settings for the HTTP facade.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	CreditsPerEuro int64
	RequestTimeout time.Duration
	// OptimizeTimeout bounds the model call, which runs far longer than
	// the store operations.
	OptimizeTimeout time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if cfg.CreditsPerEuro <= 0 {
		cfg.CreditsPerEuro = defaultCreditsPerEuro
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.OptimizeTimeout <= 0 {
		cfg.OptimizeTimeout = defaultOptimizeTimeout
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// PriceCents converts a credit quantity into euro cents at the configured
// exchange rate, rounding up so partial cents never undercharge.
func (cfg *Config) PriceCents(credits int64) int64 {
	return (credits*100 + cfg.CreditsPerEuro - 1) / cfg.CreditsPerEuro
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
