package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"leadflow/engine"
)

// HTTPAdapter dispatches SMS and voice messages through a JSON provider
// API. The same provider surface serves both channels on different paths.
type HTTPAdapter struct {
	client    *fasthttp.Client
	baseURL   string
	authToken string
	from      string
	path      string
}

func NewSMSAdapter(baseURL, authToken, from string) *HTTPAdapter {
	return newHTTPAdapter(baseURL, authToken, from, "/v1/messages")
}

func NewVoiceAdapter(baseURL, authToken, from string) *HTTPAdapter {
	return newHTTPAdapter(baseURL, authToken, from, "/v1/calls")
}

func newHTTPAdapter(baseURL, authToken, from, path string) *HTTPAdapter {
	return &HTTPAdapter{
		client: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		baseURL:   baseURL,
		authToken: authToken,
		from:      from,
		path:      path,
	}
}

type providerRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (a *HTTPAdapter) Dispatch(ctx context.Context, sreq engine.SendRequest, body string) (string, error) {
	payload, err := json.Marshal(providerRequest{
		To:   sreq.To,
		From: a.from,
		Body: body,
	})
	if err != nil {
		return "", &engine.SendError{Permanent: true, Reason: fmt.Sprintf("encode request: %v", err)}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseURL + a.path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+a.authToken)
	req.SetBody(payload)

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		// Network errors and timeouts are retryable.
		return "", &engine.SendError{Reason: fmt.Sprintf("provider request: %v", err)}
	}

	status := resp.StatusCode()
	var parsed providerResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil && status < 300 {
		return "", &engine.SendError{Reason: fmt.Sprintf("decode provider response: %v", err)}
	}

	switch {
	case status >= 200 && status < 300:
		return parsed.MessageID, nil
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return "", &engine.SendError{Reason: fmt.Sprintf("provider status %d: %s", status, parsed.Error)}
	default:
		// 4xx: the request itself is bad (invalid number, blocked
		// destination); retrying cannot help.
		return "", &engine.SendError{Permanent: true, Reason: fmt.Sprintf("provider status %d: %s", status, parsed.Error)}
	}
}
