package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"raffle/internal/apperr"
	"raffle/internal/config"
)

// Processor states that count as a settled payment.
var settledStates = map[string]bool{
	"confirmed": true,
	"finished":  true,
	"completed": true,
	"paid":      true,
}

type statusResponse struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	TxID      string `json:"txid"`
}

// HTTPVerifier queries the processor's REST API:
//
//	GET  {base}/v1/payments/{id}          -> {paymentId, status, amount, txid}
//	POST {base}/v1/payments/{id}/confirm  <- {txid}
type HTTPVerifier struct {
	client  *fasthttp.Client
	baseURL string
	apiKey  string
	timeout time.Duration
	retries uint
	initial time.Duration
	maxWait time.Duration
}

// NewHTTPVerifier builds a verifier from config. Timeouts are expected to be
// already clamped by config.Load.
func NewHTTPVerifier(cfg config.VerifierConfig) *HTTPVerifier {
	return &HTTPVerifier{
		client: &fasthttp.Client{
			ReadTimeout:                   cfg.Timeout,
			WriteTimeout:                  cfg.Timeout,
			MaxIdleConnDuration:           60 * time.Second,
			MaxConnsPerHost:               100,
			MaxConnWaitTimeout:            time.Second,
			DisableHeaderNamesNormalizing: true,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		retries: uint(max(cfg.MaxRetries, 1)),
		initial: cfg.InitialBackoff,
		maxWait: cfg.MaxBackoff,
	}
}

// GetStatus fetches the processor's status for paymentID with retries.
func (v *HTTPVerifier) GetStatus(ctx context.Context, paymentID string) (Status, error) {
	uri := fmt.Sprintf("%s/v1/payments/%s", v.baseURL, url.PathEscape(paymentID))
	return retry(ctx, v, "get_status", func(deadline time.Time) (Status, error) {
		body, code, err := v.do(fasthttp.MethodGet, uri, nil, deadline)
		if err != nil {
			return Status{}, err
		}
		if code == fasthttp.StatusNotFound {
			return Status{}, backoff.Permanent(apperr.New(apperr.KindVerificationFailed, "payment %s unknown to processor", paymentID))
		}
		if code != fasthttp.StatusOK {
			return Status{}, statusErr(code, body)
		}

		var sr statusResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return Status{}, backoff.Permanent(apperr.Wrap(apperr.KindVerificationFailed, err, "decode processor status"))
		}
		st := Status{State: strings.ToLower(sr.Status), TxID: sr.TxID}
		st.Verified = settledStates[st.State]
		if sr.Amount != "" {
			amt, err := ToMinorUnits(sr.Amount, MinorUnitScale)
			if err != nil {
				return Status{}, backoff.Permanent(apperr.Wrap(apperr.KindVerificationFailed, err, "processor amount"))
			}
			st.Amount = amt
		}
		return st, nil
	})
}

// Confirm acknowledges txid to the processor. 409 means it was already
// confirmed and is treated as success.
func (v *HTTPVerifier) Confirm(ctx context.Context, paymentID, txid string) error {
	uri := fmt.Sprintf("%s/v1/payments/%s/confirm", v.baseURL, url.PathEscape(paymentID))
	payload, _ := json.Marshal(map[string]string{"txid": txid})
	_, err := retry(ctx, v, "confirm", func(deadline time.Time) (struct{}, error) {
		body, code, err := v.do(fasthttp.MethodPost, uri, payload, deadline)
		if err != nil {
			return struct{}{}, err
		}
		switch code {
		case fasthttp.StatusOK, fasthttp.StatusNoContent, fasthttp.StatusConflict:
			return struct{}{}, nil
		}
		return struct{}{}, statusErr(code, body)
	})
	return err
}

func (v *HTTPVerifier) do(method, uri string, body []byte, deadline time.Time) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := v.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return nil, 0, apperr.Wrap(apperr.KindVerificationTimeout, err, "processor timeout")
		}
		return nil, 0, apperr.Wrap(apperr.KindVerificationFailed, err, "processor unreachable")
	}
	return append([]byte(nil), resp.Body()...), resp.StatusCode(), nil
}

// statusErr retries 5xx and 429; any other status is final.
func statusErr(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := apperr.New(apperr.KindVerificationFailed, "processor returned %d: %s", code, msg)
	if code >= 500 || code == fasthttp.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}

// retry runs op with jittered exponential backoff inside the verifier's total
// time budget. Exhausting the budget surfaces as verification_timeout.
func retry[T any](ctx context.Context, v *HTTPVerifier, op string, fn func(deadline time.Time) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	eb := backoff.NewExponentialBackOff()
	if v.initial > 0 {
		eb.InitialInterval = v.initial
	}
	if v.maxWait > 0 {
		eb.MaxInterval = v.maxWait
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return fn(deadline)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(v.retries),
		backoff.WithMaxElapsedTime(v.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warningf("[Verifier] %s attempt=%d failed, retry in %s: %v", op, attempt, next, err)
		}),
	)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return res, apperr.Wrap(apperr.KindVerificationTimeout, err, "processor "+op)
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		return res, apperr.Wrap(apperr.KindVerificationFailed, err, "processor "+op)
	}
	return res, err
}
