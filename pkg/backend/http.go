package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPAdapter posts the request as JSON to the access endpoint and hands back
// the response body, which must already be in the framed stream format.
type HTTPAdapter struct {
	client *http.Client
}

type HTTPOption func(*HTTPAdapter)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.client = c
	}
}

// WithTimeout bounds the whole exchange, including reading the stream.
func WithTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		a.client.Timeout = d
	}
}

func NewHTTPAdapter(options ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{client: &http.Client{}}
	for _, o := range options {
		o(a)
	}
	return a
}

const maxErrorBody = 4096

func (a *HTTPAdapter) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.Access.Endpoint == "" {
		return nil, NewConnectionError(errNoEndpoint)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewParseError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Access.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, NewConnectionError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if req.Access.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Access.APIKey)
	}
	for k, v := range req.Access.Headers {
		httpReq.Header.Set(k, v)
	}

	log.Debug().
		Str("model", req.ModelID).
		Str("endpoint", req.Access.Endpoint).
		Int("messages", len(req.Messages)).
		Msg("opening backend stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewAbortError(ctx.Err())
		}
		return nil, NewConnectionError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, NewHTTPError(resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

var _ Adapter = (*HTTPAdapter)(nil)
