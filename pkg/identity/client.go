// Package identity validates captured tokens against the platform's identity
// endpoint. A token is only promoted to a credential after this check
// succeeds; candidates that fail stay candidates.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Identity is the minimal profile the platform returns for a valid token.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// apiError mirrors the platform's structured error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Client queries the identity endpoint over HTTPS.
type Client struct {
	http     *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewClient builds a client for the given identity endpoint URL.
func NewClient(endpoint string, logger *zap.Logger) *Client {
	http := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		http:     http,
		endpoint: endpoint,
		logger:   logger.Named("identity"),
	}
}

// Validate requests basic profile fields using the token as the only
// credential. Any response without a usable id is a validation failure, never
// a silent pass.
func (c *Client) Validate(ctx context.Context, token string) (Identity, error) {
	var ident Identity
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("fields", "id,name").
		SetQueryParam("access_token", token).
		SetResult(&ident).
		SetError(&apiErr).
		Get(c.endpoint)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: request failed: %w", err)
	}

	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		c.logger.Debug("token rejected by identity endpoint",
			zap.Int("status", resp.StatusCode()),
			zap.String("reason", msg))
		return Identity{}, fmt.Errorf("identity: token rejected: %s", msg)
	}
	if ident.ID == "" {
		return Identity{}, fmt.Errorf("identity: response carried no profile id")
	}

	return ident, nil
}
