// Package httpapi implements adapter.ActionAdapter over the farm's HTTP
// action endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/adapter"
)

const maxResponseBytes = 64 << 10

// Config configures a Client.
type Config struct {
	BaseURL   string
	UnitPath  string // contains {id}
	GroupPath string // contains {id}
	Timeout   time.Duration

	// TokenSecret enables HS256 bearer tokens when set.
	TokenSecret  string
	TokenSubject string
	TokenTTL     time.Duration

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client posts clean requests to the farm.
type Client struct {
	cfg  Config
	http *http.Client
	log  logrus.FieldLogger
	now  func() time.Time
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.UnitPath == "" {
		cfg.UnitPath = "/api/clean/{id}"
	}
	if cfg.GroupPath == "" {
		cfg.GroupPath = "/api/sectors/{id}/clean"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log.WithField("component", "action-client"),
		now:  time.Now,
	}, nil
}

// Clean implements adapter.ActionAdapter.
func (c *Client) Clean(ctx context.Context, target adapter.Target) (*adapter.ActionResult, error) {
	if err := target.Validate(); err != nil {
		return nil, &adapter.DispatchError{Code: adapter.ErrRejected, Target: target, Original: err}
	}

	endpoint := c.endpoint(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, &adapter.DispatchError{Code: adapter.ErrInternal, Target: target, Original: err}
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.cfg.TokenSecret != "" {
		token, err := c.token()
		if err != nil {
			return nil, &adapter.DispatchError{Code: adapter.ErrInternal, Target: target, Original: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	log := c.log.WithFields(logrus.Fields{
		"target":    target.Key(),
		"requestId": requestID,
	})

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Warn("Clean request failed")
		return nil, adapter.NormalizeTransportError(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, adapter.NormalizeTransportError(target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := adapter.NormalizeStatus(target, resp.StatusCode, body)
		log.WithError(err).Warn("Clean request rejected")
		return nil, err
	}

	result, err := DecodeResult(target, body)
	if err != nil {
		log.WithError(err).Warn("Clean response invalid")
		return nil, adapter.InvalidResponse(target, resp.StatusCode, err)
	}

	log.WithField("unitsActedOn", result.UnitsActedOn).Debug("Clean request succeeded")
	return result, nil
}

func (c *Client) endpoint(target adapter.Target) string {
	path := c.cfg.UnitPath
	if target.Kind == adapter.KindGroup {
		path = c.cfg.GroupPath
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + strings.ReplaceAll(path, "{id}", url.PathEscape(target.ID))
}

func (c *Client) token() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.cfg.TokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.TokenSecret))
}

type wireResult struct {
	UnitsActedOn           *float64 `json:"unitsActedOn"`
	PanelsCleaned          *float64 `json:"panels_cleaned"`
	ProjectedEfficiency    *float64 `json:"projectedEfficiency"`
	NewEfficiency          *float64 `json:"new_efficiency"`
	ProjectedContamination *float64 `json:"projectedContamination"`
	NewDustLevel           *float64 `json:"new_dust_level"`
}

// DecodeResult validates an action response body. A missing unitsActedOn
// defaults to 1 for unit targets and 0 for group targets.
func DecodeResult(target adapter.Target, body []byte) (*adapter.ActionResult, error) {
	var w wireResult
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
	}

	result := &adapter.ActionResult{}

	switch n := first(w.UnitsActedOn, w.PanelsCleaned); {
	case n == nil && target.Kind == adapter.KindUnit:
		result.UnitsActedOn = 1
	case n == nil:
		result.UnitsActedOn = 0
	case *n < 0 || *n != math.Trunc(*n) || *n > math.MaxInt32:
		return nil, fmt.Errorf("unitsActedOn must be a non-negative integer, got %v", *n)
	default:
		result.UnitsActedOn = int(*n)
	}

	if eff := first(w.ProjectedEfficiency, w.NewEfficiency); eff != nil {
		if math.IsNaN(*eff) || *eff < 0 || *eff > 100 {
			return nil, fmt.Errorf("projectedEfficiency out of range: %v", *eff)
		}
		v := *eff
		result.ProjectedEfficiency = &v
	}
	if cont := first(w.ProjectedContamination, w.NewDustLevel); cont != nil {
		if math.IsNaN(*cont) || math.IsInf(*cont, 0) || *cont < 0 {
			return nil, fmt.Errorf("projectedContamination out of range: %v", *cont)
		}
		v := *cont
		result.ProjectedContamination = &v
	}

	return result, nil
}

func first(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

var _ adapter.ActionAdapter = (*Client)(nil)
