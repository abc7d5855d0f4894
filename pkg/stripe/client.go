package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/sppix/storefront-backend/pkg/config"
	"github.com/sppix/storefront-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("gateway secret key is required")
	errInvalidStripeEnv = fmt.Errorf("gateway environment must be %q or %q", testEnv, liveEnv)
)

// Client carries the process-wide Stripe credentials. The resource packages
// used by the gateway adapter read stripe.Key, which is set once here.
type Client struct {
	environment   string
	signingSecret string
	currency      string
}

// NewClient validates the configured key against the environment and installs
// it. A missing signing secret is allowed; callbacks are then parsed but
// marked unverified.
func NewClient(ctx context.Context, cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.SecretKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	stripe.Key = apiKey
	signingSecret := strings.TrimSpace(cfg.SigningSecret)

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("gateway client initialized (%s)", env))
		if signingSecret == "" {
			logg.Warn(ctx, "gateway signing secret not configured; callbacks will be unverified")
		}
	}

	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		currency:      cfg.NormalizedCurrency(),
	}, nil
}

// Environment reports the normalized environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the callback signing secret, possibly empty.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Currency is the lower-case ISO code all sessions are created in.
func (c *Client) Currency() string {
	if c == nil || c.currency == "" {
		return "gbp"
	}
	return c.currency
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("gateway environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("gateway environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
