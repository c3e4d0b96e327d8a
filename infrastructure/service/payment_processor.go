package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type IPaymentProcessor interface {
	Submit(ctx context.Context, processor ProcessorType, input PostPaymentProcessor) error
	Health(ctx context.Context, processor ProcessorType) (Health, error)
	Lookup(ctx context.Context, processor ProcessorType, correlationID string) (bool, error)
}

type endpoint struct {
	baseURL string
	client  *http.Client
}

type paymentProcessor struct {
	endpoints map[ProcessorType]*endpoint
}

// NewPaymentProcessorService builds one pooled client per processor. maxConns
// caps concurrent connections to each processor independently of the worker count.
func NewPaymentProcessorService(processors []Processor, maxConns int) IPaymentProcessor {
	endpoints := make(map[ProcessorType]*endpoint, len(processors))
	for _, p := range processors {
		endpoints[p.Type] = &endpoint{
			baseURL: p.URL,
			client: &http.Client{
				Transport: &http.Transport{
					Proxy:               http.ProxyFromEnvironment,
					MaxConnsPerHost:     maxConns,
					MaxIdleConns:        maxConns * 2,
					MaxIdleConnsPerHost: maxConns,
					IdleConnTimeout:     60 * time.Second,
				},
			},
		}
	}
	return &paymentProcessor{endpoints: endpoints}
}

func (s *paymentProcessor) Submit(ctx context.Context, processor ProcessorType, input PostPaymentProcessor) error {
	ep, err := s.endpoint(processor)
	if err != nil {
		return err
	}

	body, err := json.Marshal(input)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ep.client.Do(req)
	if err != nil {
		return transportError(processor, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrDuplicatePayment
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return statusError(processor, resp)
	default:
		return fmt.Errorf("%w: processor %s answered %d", ErrRejected, processor, resp.StatusCode)
	}
}

func (s *paymentProcessor) Health(ctx context.Context, processor ProcessorType) (Health, error) {
	ep, err := s.endpoint(processor)
	if err != nil {
		return Health{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.baseURL+"/payments/service-health", nil)
	if err != nil {
		return Health{}, err
	}

	resp, err := ep.client.Do(req)
	if err != nil {
		return Health{}, transportError(processor, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return Health{}, statusError(processor, resp)
	}

	var health Health
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("decode health of %s: %w", processor, err)
	}
	return health, nil
}

// Lookup asks a processor whether it already settled correlationID. An error
// means the answer is unknown.
func (s *paymentProcessor) Lookup(ctx context.Context, processor ProcessorType, correlationID string) (bool, error) {
	ep, err := s.endpoint(processor)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.baseURL+"/payments/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return false, err
	}

	resp, err := ep.client.Do(req)
	if err != nil {
		return false, transportError(processor, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(processor, resp)
	}
}

func (s *paymentProcessor) endpoint(processor ProcessorType) (*endpoint, error) {
	ep, ok := s.endpoints[processor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, processor)
	}
	return ep, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func statusError(processor ProcessorType, resp *http.Response) error {
	return &TransientError{
		Processor:  processor,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// transportError marks everything except a failed dial as ambiguous: the
// request may have been delivered and only the response lost.
func transportError(processor ProcessorType, err error) error {
	var opErr *net.OpError
	dialFailed := errors.As(err, &opErr) && opErr.Op == "dial"
	return &TransientError{
		Processor: processor,
		Ambiguous: !dialFailed,
		Err:       err,
	}
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
