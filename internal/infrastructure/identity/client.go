package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// user is the subset of the identity system's user document we consume.
type user struct {
	ID         int64     `json:"id"`
	SignupTime time.Time `json:"signup_time"`
	IsAdmin    bool      `json:"is_admin"`
}

// Client reads users from the identity system over HTTP. It implements
// service.IdentityProvider.
// With a Redis client attached, signup times are cached indefinitely (they
// never change) and admin flags for cacheTTL.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	cache    *redis.Client
	cacheTTL time.Duration
}

var _ service.IdentityProvider = (*Client)(nil)

func NewClient(cfg *config.IdentityConfig, cache *redis.Client) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		cache:    cache,
		cacheTTL: time.Duration(cfg.CacheTTLMinutes) * time.Minute,
	}
}

func signupKey(userID int64) string {
	return fmt.Sprintf("affledger:identity:signup:%d", userID)
}

func adminKey(userID int64) string {
	return fmt.Sprintf("affledger:identity:admin:%d", userID)
}

func (c *Client) GetUserSignupTime(ctx context.Context, userID int64) (time.Time, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, signupKey(userID)).Result(); err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				return t, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			zap.L().Warn("identity cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	u, err := c.fetch(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	c.store(ctx, signupKey(userID), u.SignupTime.UTC().Format(time.RFC3339Nano), 0)
	c.store(ctx, adminKey(userID), strconv.FormatBool(u.IsAdmin), c.cacheTTL)
	return u.SignupTime.UTC(), nil
}

func (c *Client) IsAdmin(ctx context.Context, actorID int64) (bool, error) {
	if actorID <= 0 {
		return false, nil
	}
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, adminKey(actorID)).Result(); err == nil {
			if b, perr := strconv.ParseBool(raw); perr == nil {
				return b, nil
			}
		}
	}

	u, err := c.fetch(ctx, actorID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	c.store(ctx, adminKey(actorID), strconv.FormatBool(u.IsAdmin), c.cacheTTL)
	return u.IsAdmin, nil
}

func (c *Client) store(ctx context.Context, key, value string, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, value, ttl).Err(); err != nil {
		zap.L().Warn("identity cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) fetch(ctx context.Context, userID int64) (*user, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("identity config error: base_url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/users/%d", c.baseURL, userID), nil)
	if err != nil {
		return nil, fmt.Errorf("identity request error: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %d: %w", userID, service.ErrUserNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity response error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u user
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("identity decode error: %w", err)
	}
	return &u, nil
}
