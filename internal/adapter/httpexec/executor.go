// Package httpexec issues single request/response exchanges against a
// switch's HTTP interface, with basic auth, a circuit breaker and outcome
// classification.
package httpexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

const maxBodySize = 1 << 20

// Outcome classifies the result of one exchange.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeHTTPStatus  Outcome = "http_status"
	OutcomeTransport   Outcome = "transport"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCanceled    Outcome = "canceled"
)

// Config holds configuration for an Executor.
type Config struct {
	// Host is the device address, without scheme
	Host string

	// Username for basic auth
	Username string

	// Password for basic auth
	Password string

	// AuthAlways sends credentials even when Password is empty
	AuthAlways bool

	// Timeout bounds one exchange
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// Request describes one exchange. At most one of Form and JSON is set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	JSON   any
}

// Response is a completed exchange with a 2xx status.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s returned %d", domain.ErrUnexpectedStatus, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error {
	return domain.ErrUnexpectedStatus
}

// Stats tracks executor activity.
type Stats struct {
	Requests atomic.Uint64
	Failures atomic.Uint64
}

// Executor performs requests against one device.
type Executor struct {
	config  Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	stats   Stats
}

// New creates an executor for one device.
func New(deviceID string, config Config, logger zerolog.Logger) *Executor {
	if config.Username == "" {
		config.Username = "admin"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 10 * time.Second
	}

	e := &Executor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("component", "httpexec").Str("device_id", deviceID).Logger(),
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "http-" + deviceID,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return e
}

// Host returns the device address.
func (e *Executor) Host() string {
	return e.config.Host
}

// Stats returns the executor counters.
func (e *Executor) Stats() *Stats {
	return &e.stats
}

// Do performs one exchange. A non-2xx status is returned as *StatusError.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	e.stats.Requests.Add(1)

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.do(ctx, req)
	})
	if err != nil {
		e.stats.Failures.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (e *Executor) do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := e.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", domain.ErrConnectionFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Path: req.Path}
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (e *Executor) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := url.URL{
		Scheme: "http",
		Host:   e.config.Host,
		Path:   "/" + strings.TrimPrefix(req.Path, "/"),
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if e.config.AuthAlways || e.config.Password != "" {
		httpReq.SetBasicAuth(e.config.Username, e.config.Password)
	}
	return httpReq, nil
}

// Classify maps an error returned by Do to an outcome.
func Classify(err error) Outcome {
	var se *StatusError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, domain.ErrCircuitOpen):
		return OutcomeCircuitOpen
	case errors.As(err, &se):
		return OutcomeHTTPStatus
	default:
		return OutcomeTransport
	}
}
