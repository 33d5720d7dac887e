package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.InitialInterval > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.InitialInterval
		if p.MaxInterval > 0 {
			exp.MaxInterval = p.MaxInterval
		}
		exp.MaxElapsedTime = 0
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

type Response struct {
	Status int
	Body   []byte
}

var errServer = errors.New("server error")

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only. When every try
// ends in a 5xx the last response is returned without an error.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, p RetryPolicy) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var last Response
	op := func() (Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return Response{}, backoff.Permanent(err)
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Response{}, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		last = Response{Status: resp.StatusCode, Body: respBody}
		if resp.StatusCode >= 500 {
			return last, fmt.Errorf("%w: status %d", errServer, resp.StatusCode)
		}
		return last, nil
	}
	res, err := backoff.RetryWithData(op, p.backOff(ctx))
	if err != nil && errors.Is(err, errServer) {
		return last, nil
	}
	return res, err
}
