package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/yuki402/agent/pkg/logger"
)

// Order is what the submitter is asked to pay.
type Order struct {
	Endpoint string `json:"endpoint"`
	Amount   string `json:"amount"`
}

// Receipt is a successful submission result.
type Receipt struct {
	TxRef string `json:"tx_ref"`
}

// Submitter executes an approved payment. Signing and broadcast are opaque
// to the flow.
type Submitter interface {
	Submit(ctx context.Context, order Order) (Receipt, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, order Order) (Receipt, error)

// Submit implements Submitter.
func (fn SubmitterFunc) Submit(ctx context.Context, order Order) (Receipt, error) {
	return fn(ctx, order)
}

// Unconfigured fails every submission. It is used when no signer is set up
// so approvals still end in a recorded failed thread.
type Unconfigured struct{}

// Submit implements Submitter.
func (Unconfigured) Submit(_ context.Context, order Order) (Receipt, error) {
	return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, Err: errors.New("payment signer not configured")}
}

// Default circuit breaker settings for the signer.
const (
	defaultSignerMaxFailures uint32 = 3
	defaultSignerOpenTimeout        = 30 * time.Second
	defaultSignerInterval           = 60 * time.Second
)

// HTTPSubmitterConfig configures an HTTPSubmitter.
type HTTPSubmitterConfig struct {
	URL   string
	Token string
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	HTTPClient  *http.Client
}

// HTTPSubmitter posts orders to a signing service.
type HTTPSubmitter struct {
	url     string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Receipt]
	logger  *logger.Logger
}

// NewHTTPSubmitter creates a submitter for the signer at cfg.URL.
func NewHTTPSubmitter(cfg HTTPSubmitterConfig, log *logger.Logger) (*HTTPSubmitter, error) {
	if cfg.URL == "" {
		return nil, errors.New("payment signer URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultSignerMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultSignerOpenTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	cb := gobreaker.NewCircuitBreaker[Receipt](gobreaker.Settings{
		Name:        "payment-signer",
		MaxRequests: 1,
		Interval:    defaultSignerInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A 4xx is a rejected order, not an unhealthy signer.
		IsSuccessful: func(err error) bool {
			var se *SubmissionError
			if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
				return true
			}
			return err == nil
		},
	})

	return &HTTPSubmitter{
		url:     cfg.URL,
		token:   cfg.Token,
		client:  client,
		breaker: cb,
		logger:  log,
	}, nil
}

// Submit implements Submitter.
func (s *HTTPSubmitter) Submit(ctx context.Context, order Order) (Receipt, error) {
	receipt, err := s.breaker.Execute(func() (Receipt, error) {
		return s.post(ctx, order)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, Err: fmt.Errorf("signer circuit open: %w", err)}
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// State returns the circuit breaker state.
func (s *HTTPSubmitter) State() gobreaker.State {
	return s.breaker.State()
}

type signerResponse struct {
	TxRef     string `json:"tx_ref"`
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

func (s *HTTPSubmitter) post(ctx context.Context, order Order) (Receipt, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	var out signerResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if decodeErr != nil {
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode signer response: %w", decodeErr)}
	}

	ref := out.TxRef
	if ref == "" {
		ref = out.Signature
	}
	if ref == "" {
		return Receipt{}, &SubmissionError{Endpoint: order.Endpoint, StatusCode: resp.StatusCode, Err: errors.New("signer returned no transaction reference")}
	}
	return Receipt{TxRef: ref}, nil
}

var (
	_ Submitter = (*HTTPSubmitter)(nil)
	_ Submitter = Unconfigured{}
	_ Submitter = SubmitterFunc(nil)
)
