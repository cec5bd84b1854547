package jobrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/config"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/retry"
	"github.com/GPTx-global/pricefeed/oracle/telemetry"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const (
	headerAccessKey = "X-Chainlink-EA-AccessKey"
	headerSecret    = "X-Chainlink-EA-Secret"
)

// CredentialsFunc returns the current credentials; they are re-read on every run.
type CredentialsFunc func() (config.Credentials, error)

type Options struct {
	URL         string
	Retries     int
	Timeout     time.Duration
	RetryWait   time.Duration
	Credentials CredentialsFunc
}

// Client asks the compute node to run a feed's job.
type Client struct {
	opts    Options
	http    *retryablehttp.Client
	breaker *retry.CircuitBreaker
	logger  zerolog.Logger
}

type runRequest struct {
	Payment     int                 `json:"payment"`
	RequestID   uint64              `json:"request_id"`
	RequestType types.TriggerReason `json:"request_type"`
}

func NewClient(opts Options) *Client {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	transport := new(http.Transport)
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.DisableKeepAlives = true
	transport.Proxy = nil

	logger := log.Component("jobrun")

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: opts.Timeout, Transport: transport}
	client.RetryMax = opts.Retries - 1
	client.RetryWaitMin = opts.RetryWait
	client.RetryWaitMax = 4 * opts.RetryWait
	client.Logger = leveledLogger{logger}

	return &Client{
		opts:    opts,
		http:    client,
		breaker: retry.NewCircuitBreaker(5, time.Minute),
		logger:  logger,
	}
}

// SendJobRun requests run requestID of jobID, retrying transient failures.
func (c *Client) SendJobRun(ctx context.Context, feed, jobID string, requestID uint64, reason types.TriggerReason) error {
	err := c.breaker.Execute(func() error {
		return c.send(ctx, jobID, requestID, reason)
	})
	if err != nil {
		telemetry.IncrCounter(feed, telemetry.KeyJobRunErrors)
		return fmt.Errorf("job request for %s failed: %w", jobID, err)
	}

	telemetry.IncrCounter(feed, telemetry.KeyJobRequests)
	return nil
}

func (c *Client) send(ctx context.Context, jobID string, requestID uint64, reason types.TriggerReason) error {
	creds, err := c.opts.Credentials()
	if err != nil {
		return err
	}

	body, err := json.Marshal(runRequest{RequestID: requestID, RequestType: reason})
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(c.opts.URL, "/") + "/v2/jobs/" + jobID + "/runs"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAccessKey, creds.AccessKey)
	req.Header.Set(headerSecret, creds.Secret)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug().Str("job", jobID).Uint64("request_id", requestID).Stringer("reason", reason).Msg("job run requested")
	return nil
}

// leveledLogger routes retryablehttp logs to zerolog.
type leveledLogger struct {
	zerolog.Logger
}

func (l leveledLogger) fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	l.fields(l.Logger.Error(), kv).Msg(msg)
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	l.fields(l.Logger.Debug(), kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	l.fields(l.Logger.Debug(), kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	l.fields(l.Logger.Warn(), kv).Msg(msg)
}
