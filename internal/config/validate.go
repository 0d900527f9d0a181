package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate enforces the configuration rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateStream(&cfg.Stream); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}
	if err := validateActions(&cfg.Actions); err != nil {
		return fmt.Errorf("actions validation failed: %w", err)
	}
	if err := validateReconcile(&cfg.Reconcile); err != nil {
		return fmt.Errorf("reconcile validation failed: %w", err)
	}
	if err := validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("api validation failed: %w", err)
	}
	if err := validateFeed(&cfg.Feed); err != nil {
		return fmt.Errorf("feed validation failed: %w", err)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}

	return nil
}

func validateStream(s *StreamConfig) error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", s.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %v", s.ReconnectDelay)
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", s.HandshakeTimeout)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must be non-negative, got %v", s.ReadTimeout)
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", s.MaxMessageBytes)
	}
	return nil
}

func validateActions(a *ActionsConfig) error {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", a.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	for name, p := range map[string]string{"unit path": a.UnitPath, "group path": a.GroupPath} {
		if !strings.Contains(p, "{id}") {
			return fmt.Errorf("%s %q must contain {id}", name, p)
		}
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", a.Timeout)
	}
	if a.TokenSecret != "" && a.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive when a token secret is set, got %v", a.TokenTTL)
	}
	return nil
}

func validateReconcile(r *ReconcileConfig) error {
	if r.InFlightVisual <= 0 {
		return fmt.Errorf("in-flight visual must be positive, got %v", r.InFlightVisual)
	}
	if r.Suppression <= r.InFlightVisual {
		return fmt.Errorf("suppression %v must exceed in-flight visual %v", r.Suppression, r.InFlightVisual)
	}
	if r.BaselineEfficiency < 0 || r.BaselineEfficiency > 100 {
		return fmt.Errorf("baseline efficiency must be within [0, 100], got %v", r.BaselineEfficiency)
	}
	if r.BaselineContamination < 0 {
		return fmt.Errorf("baseline contamination must be non-negative, got %v", r.BaselineContamination)
	}
	if r.NominalVoltage <= 0 || r.NominalCurrent <= 0 {
		return fmt.Errorf("nominal voltage and current must be positive, got %v V %v A", r.NominalVoltage, r.NominalCurrent)
	}
	if r.MinEfficiency < 0 || r.MinEfficiency > 100 {
		return fmt.Errorf("min efficiency must be within [0, 100], got %v", r.MinEfficiency)
	}
	if r.MaxContamination < 0 {
		return fmt.Errorf("max contamination must be non-negative, got %v", r.MaxContamination)
	}
	return nil
}

func validateAPI(a *APIConfig) error {
	if a.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if a.ActionRate < 0 {
		return fmt.Errorf("action rate must be non-negative, got %v", a.ActionRate)
	}
	if a.ActionRate > 0 && a.ActionBurst <= 0 {
		return fmt.Errorf("action burst must be positive when rate limiting, got %d", a.ActionBurst)
	}
	if a.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", a.ShutdownTimeout)
	}
	return nil
}

func validateFeed(f *FeedConfig) error {
	if f.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", f.BufferSize)
	}
	if f.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %v", f.Heartbeat)
	}
	return nil
}

func validateLog(l *LogConfig) error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}
