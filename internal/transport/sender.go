package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const userAgent = "datasource/0.1.0 (+https://github.com/Amund211/datasource)"

// Response is a successful (2xx) reply to a request
type Response struct {
	Status int
	Body   []byte
}

// Sender performs a single request against the API.
//
// A reply with a non-2xx status is returned as a *StatusError. A request that
// never got a reply is returned as a *NoResponseError. Any other error is a
// local failure.
type Sender interface {
	Send(ctx context.Context, method, path string, body []byte, header http.Header) (Response, error)
}

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpSender struct {
	httpClient HttpClient
	baseURL    string
}

func NewHTTPSender(httpClient HttpClient, baseURL string) Sender {
	return &httpSender{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *httpSender) Send(ctx context.Context, method, path string, body []byte, header http.Header) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Response{}, &NoResponseError{Err: fmt.Errorf("failed to send request: %w", err)}
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &NoResponseError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &StatusError{Status: resp.StatusCode, Body: data}
	}

	return Response{Status: resp.StatusCode, Body: data}, nil
}
