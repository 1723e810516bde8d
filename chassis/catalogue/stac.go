package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/freundallein/stacdc/chassis/backoff"
	log "github.com/freundallein/stacdc/chassis/logging"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

const (
	tokenLifetime = 12 * time.Hour
	retrySleep    = 5 * time.Second
)

// STACConfig ...
type STACConfig struct {
	Host       string
	Username   string
	Password   string
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// STACClient talks to a STAC transaction API guarded by a token endpoint.
type STACClient struct {
	host       string
	username   string
	password   string
	maxRetries int
	http       *http.Client
	jitter     func() float64

	mu         sync.Mutex
	token      string
	validUntil time.Time
}

// NewSTACClient ...
func NewSTACClient(cfg STACConfig) (*STACClient, error) {
	if cfg.Host == "" {
		return nil, ErrHostMissing
	}
	c := &STACClient{
		host:       strings.TrimRight(cfg.Host, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		maxRetries: cfg.MaxRetries,
		http:       cfg.HTTPClient,
		jitter:     cfg.Jitter,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c, nil
}

type registerResponse struct {
	Errors []struct {
		Code  int    `json:"code"`
		Error string `json:"error"`
	} `json:"errors"`
	Features []struct {
		FeatureID string `json:"featureId"`
	} `json:"features"`
}

// RegisterItem ...
func (c *STACClient) RegisterItem(ctx context.Context, collection string, record []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/collections/%s/items", c.host, url.PathEscape(collection))
	resp, err := c.authorized(ctx, http.MethodPost, endpoint, record)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read register response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var content registerResponse
	if err := json.Unmarshal(body, &content); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	if len(content.Errors) > 0 {
		first := content.Errors[0]
		if first.Code == http.StatusConflict {
			// "Item <id> already exists ..."
			parts := strings.Fields(first.Error)
			if len(parts) >= 2 {
				return "", &ConflictError{ExistingID: parts[1]}
			}
		}
		return "", &StatusError{StatusCode: first.Code, Body: first.Error}
	}
	if len(content.Features) == 0 || content.Features[0].FeatureID == "" {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: "response carries no featureId"}
	}
	return content.Features[0].FeatureID, nil
}

// DeleteItem ...
func (c *STACClient) DeleteItem(ctx context.Context, collection, featureID string) error {
	endpoint := fmt.Sprintf("%s/collections/%s/items/%s", c.host, url.PathEscape(collection), url.PathEscape(featureID))
	resp, err := c.authorized(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	log.WithFields(log.Fields{
		"event":      "catalogue_item_deleted",
		"collection": collection,
		"featureId":  featureID,
	}).Info("catalogue item deleted")
	return nil
}

func (c *STACClient) authorized(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
}

func (c *STACClient) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && clock.Now(ctx).Before(c.validUntil) {
		return c.token, nil
	}
	if c.username == "" || c.password == "" {
		return "", ErrCredentialsMissing
	}
	validUntil := clock.Now(ctx).Add(tokenLifetime)
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/auth", nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.username, c.password)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var content struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if content.Token == "" {
		return "", ErrTokenMissing
	}
	c.token = content.Token
	c.validUntil = validUntil
	log.WithFields(log.Fields{
		"event":      "catalogue_token_obtained",
		"validUntil": validUntil.Format(time.RFC3339),
	}).Debug("catalogue token obtained")
	return c.token, nil
}

// do retries transport failures only, sleeping (1+U(0,1))*5s between
// attempts. Any HTTP answer is returned to the caller.
func (c *STACClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	var lastErr error
	attempt := 0
	policy := transient.Only(backoff.Attempts(c.maxRetries, retrySleep, retrySleep, c.jitter))
	err := retry.Retry(ctx, policy, func() error {
		attempt++
		req, err := build()
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err = c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithFields(log.Fields{
				"event":   "catalogue_request_failed",
				"method":  req.Method,
				"url":     req.URL.String(),
				"attempt": attempt,
			}).Warn(err)
			return transient.Tag.Apply(err)
		}
		return nil
	}, nil)
	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case transient.Tag.In(err):
		return nil, &TimeoutError{Attempts: attempt, MaxRetries: c.maxRetries, Err: lastErr}
	default:
		return nil, err
	}
}
