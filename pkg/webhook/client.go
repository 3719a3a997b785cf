package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	HeaderSignature = "X-Bidtrack-Signature"
	HeaderTimestamp = "X-Bidtrack-Timestamp"
	HeaderEvent     = "X-Bidtrack-Event"

	signaturePrefix = "sha256="
)

var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Config 出站 webhook 配置
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	DefaultSecret string        `mapstructure:"default_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		UserAgent: "Bidtrack-Webhooks/1.0",
		Timeout:   10 * time.Second,
	}
}

// Client 签名 webhook 客户端
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Post. Receivers use it (and
// the tests do) to authenticate deliveries.
func Verify(secret, timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	want := signaturePrefix + Sign(secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Post sends payload as JSON. It returns the HTTP status (0 when no response
// was received). Non-2xx statuses are not errors here; the caller decides.
func (c *Client) Post(ctx context.Context, url string, payload interface{}, secret string, headers map[string]string) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	if secret == "" {
		secret = c.config.DefaultSecret
	}
	if secret != "" {
		ts := c.now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, signaturePrefix+Sign(secret, ts, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	c.logger.WithFields(logrus.Fields{
		"url":    redact(url),
		"status": resp.StatusCode,
	}).Debug("webhook delivered")
	if resp.StatusCode >= 400 {
		c.logger.Debugf("webhook response body: %s", strings.TrimSpace(string(snippet)))
	}
	return resp.StatusCode, nil
}

// redact 去掉 query，避免把 token 打进日志
func redact(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
