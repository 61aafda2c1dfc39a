package transport_test

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/Amund211/datasource/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedHttpClient struct {
	t           *testing.T
	expectedURL string
	response    *http.Response
	statusCode  int
	body        string
	err         error
}

func (m *mockedHttpClient) Do(req *http.Request) (*http.Response, error) {
	require.Equal(m.t, m.expectedURL, req.URL.String())
	require.Equal(m.t, http.MethodPost, req.Method)
	require.Equal(m.t, "datasource/0.1.0 (+https://github.com/Amund211/datasource)", req.Header.Get("User-Agent"))
	require.Equal(m.t, "application/json", req.Header.Get("Content-Type"))

	body, err := io.ReadAll(req.Body)
	require.NoError(m.t, err)
	require.Equal(m.t, `{"id":"1"}`, string(body))

	if m.err != nil {
		return nil, m.err
	}
	if m.response != nil {
		return m.response, nil
	}

	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

type cantRead struct{}

func (c cantRead) Read(p []byte) (n int, err error) {
	return 0, assert.AnError
}

func (c cantRead) Close() error {
	return nil
}

func TestHTTPSender(t *testing.T) {
	t.Parallel()

	const expectedURL = "https://example.com/api/main?q=item"
	header := http.Header{"Content-Type": {"application/json"}}
	body := []byte(`{"id":"1"}`)

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		sender := transport.NewHTTPSender(&mockedHttpClient{
			t:           t,
			expectedURL: expectedURL,
			statusCode:  200,
			body:        `{"name":"item"}`,
		}, "https://example.com/")

		resp, err := sender.Send(t.Context(), http.MethodPost, "/api/main?q=item", body, header)
		require.NoError(t, err)
		require.Equal(t, 200, resp.Status)
		require.Equal(t, `{"name":"item"}`, string(resp.Body))
	})

	t.Run("unsuccessful status", func(t *testing.T) {
		t.Parallel()
		sender := transport.NewHTTPSender(&mockedHttpClient{
			t:           t,
			expectedURL: expectedURL,
			statusCode:  422,
			body:        `{"code":"taken"}`,
		}, "https://example.com")

		_, err := sender.Send(t.Context(), http.MethodPost, "/api/main?q=item", body, header)
		var statusErr *transport.StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, 422, statusErr.Status)
		require.Equal(t, `{"code":"taken"}`, string(statusErr.Body))
	})

	t.Run("no response", func(t *testing.T) {
		t.Parallel()
		sender := transport.NewHTTPSender(&mockedHttpClient{
			t:           t,
			expectedURL: expectedURL,
			err:         assert.AnError,
		}, "https://example.com")

		_, err := sender.Send(t.Context(), http.MethodPost, "/api/main?q=item", body, header)
		var noResponseErr *transport.NoResponseError
		require.ErrorAs(t, err, &noResponseErr)
		require.ErrorIs(t, err, assert.AnError)
	})

	t.Run("body cannot be read", func(t *testing.T) {
		t.Parallel()
		sender := transport.NewHTTPSender(&mockedHttpClient{
			t:           t,
			expectedURL: expectedURL,
			response:    &http.Response{StatusCode: 200, Body: cantRead{}},
		}, "https://example.com")

		_, err := sender.Send(t.Context(), http.MethodPost, "/api/main?q=item", body, header)
		var noResponseErr *transport.NoResponseError
		require.ErrorAs(t, err, &noResponseErr)
	})

	t.Run("invalid url is a local error", func(t *testing.T) {
		t.Parallel()
		sender := transport.NewHTTPSender(&mockedHttpClient{t: t}, "://missing-scheme")

		_, err := sender.Send(t.Context(), http.MethodPost, "/api/main?q=item", body, header)
		require.Error(t, err)
		var noResponseErr *transport.NoResponseError
		require.NotErrorAs(t, err, &noResponseErr)
	})
}
