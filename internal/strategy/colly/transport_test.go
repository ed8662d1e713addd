package collystrategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRobotsRetryReturnsAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsAwareTransport{base: base}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, len(robotsRetryBackoff)+1, base.calls)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsAwareTransport{base: base}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
}

func TestRobotsTransportPassesThroughPages(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("refused")}}}
	transport := &robotsAwareTransport{base: base}

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
	require.ErrorContains(t, err, "refused")
	require.Equal(t, 1, base.calls)

	_, err = transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.ErrorContains(t, err, "non-transient")
}

func TestContextTransportUsesBoundContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var seen context.Context
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.Context()
		return nil, r.Context().Err()
	})
	transport := &contextTransport{base: base, ctx: ctx}
	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ctx, seen)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := min(s.calls, len(s.results)-1)
	res := s.results[idx]
	return res.resp, res.err
}
