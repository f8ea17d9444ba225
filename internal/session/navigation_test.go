package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phantomctl/internal/driver"
)

var errConnReset = driver.NewExecutionError("get", errors.New("net::ERR_CONNECTION_RESET"))

func TestOpen_Metadata(t *testing.T) {
	s, _ := newTestSession(t)

	meta, err := s.Open(context.Background(), "http://example.com/")
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, "http://example.com/", meta.Request.URL)
	assert.Equal(t, "GET", meta.Request.Method)
	assert.Equal(t, map[string]string{"Accept": "text/html"}, meta.Request.Headers)
	assert.Equal(t, 200, meta.Response.StatusCode)
	assert.Equal(t, map[string]string{"Content-Type": "text/html"}, meta.Response.Headers)
	assert.False(t, meta.Response.Redirect)
	assert.Equal(t, []string{"http://example.com/"}, s.History())
}

func TestOpen_Redirects(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		final     string
		redirect  bool
	}{
		{"trailing slash added", "http://example.com/page", "http://example.com/page/", false},
		{"trailing slash removed", "http://example.com/page/", "http://example.com/page", false},
		{"other path", "http://example.com/old", "http://example.com/new", true},
		{"only one slash is ignored", "http://example.com/page", "http://example.com/page//", true},
		{"query is significant", "http://example.com/?a=1", "http://example.com/?a=2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := newTestSession(t)
			ch.redirects[tt.requested] = tt.final

			meta, err := s.Open(context.Background(), tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.requested, meta.Request.URL, "the requested URL is stamped on the request")
			assert.Equal(t, tt.final, meta.Response.URL)
			assert.Equal(t, tt.redirect, meta.Response.Redirect)
			assert.Equal(t, []string{tt.final}, s.History())
		})
	}
}

func TestOpen_Retries(t *testing.T) {
	t.Run("succeeds on the last attempt", func(t *testing.T) {
		s, ch := newTestSession(t)
		ch.navErrs = []error{errConnReset, errConnReset}

		meta, err := s.Open(context.Background(), "http://example.com/", WithAttempts(3))
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, 3, ch.navCalls)
		assert.Len(t, s.History(), 1)
		assert.Equal(t, 1, s.PageLoadAttempts(), "the attempt override is restored")
	})

	t.Run("every attempt fails", func(t *testing.T) {
		s, ch := newTestSession(t)
		_, err := s.Open(context.Background(), "http://example.com/")
		require.NoError(t, err)
		before := s.History()

		ch.navErrs = []error{errConnReset, errConnReset}
		_, err = s.Open(context.Background(), "http://example.org/", WithAttempts(2))

		var navErr *NavigationError
		require.ErrorAs(t, err, &navErr)
		assert.Equal(t, "open", navErr.Op)
		assert.Equal(t, "http://example.org/", navErr.URL)
		var execErr *driver.DriverExecutionError
		assert.ErrorAs(t, err, &execErr, "the driver failure stays in the chain")
		assert.Equal(t, 3, ch.navCalls)
		assert.Equal(t, before, s.History())
	})

	t.Run("timeouts are not retried", func(t *testing.T) {
		s, ch := newTestSession(t)
		ch.navErrs = []error{driver.NewExecutionError("get", context.DeadlineExceeded)}

		_, err := s.Open(context.Background(), "http://slow.example/", WithAttempts(3), WithTimeout(5*time.Second))
		var timeoutErr *NavigationTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, 5*time.Second, timeoutErr.Timeout)
		assert.Equal(t, 1, ch.navCalls)
		assert.Empty(t, s.History())
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		s, ch := newTestSession(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ch.navErrs = []error{driver.NewExecutionError("get", context.Canceled)}

		_, err := s.Open(ctx, "http://example.com/", WithAttempts(3))
		var navErr *NavigationError
		require.ErrorAs(t, err, &navErr)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, ch.navCalls)
	})
}

func TestOpen_NoResponse(t *testing.T) {
	s, ch := newTestSession(t)
	ch.noResponse = true

	_, err := s.Open(context.Background(), "http://unreachable.example/")
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Empty(t, s.History())
}

func TestOpen_BlankURLSkipsMetadata(t *testing.T) {
	s, ch := newTestSession(t)

	meta, err := s.Open(context.Background(), BlankURL)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Empty(t, s.History())
	assert.Empty(t, ch.lastScript("return page.httpMeta"))
}

func TestOpen_ScopedOverrides(t *testing.T) {
	s, ch := newTestSession(t)
	headersBefore := s.DefaultHeaders()
	timeoutBefore := s.PageLoadTimeout()

	_, err := s.Open(context.Background(), "http://example.com/",
		WithTimeout(5*time.Second),
		WithHeaders(map[string]any{"X-Trace": "abc"}),
	)
	require.NoError(t, err)

	assert.Equal(t, timeoutBefore, s.PageLoadTimeout())
	assert.Equal(t, []time.Duration{timeoutBefore, 5 * time.Second, timeoutBefore}, ch.pageLoadTimeouts)
	assert.Equal(t, headersBefore, s.DefaultHeaders())
	assert.NotContains(t, ch.lastScript("page.customHeaders"), "X-Trace")

	t.Run("restored after a failure", func(t *testing.T) {
		ch.navErrs = []error{errConnReset}
		_, err := s.Open(context.Background(), "http://example.com/", WithTimeout(time.Second), WithAttempts(1))
		require.Error(t, err)
		assert.Equal(t, timeoutBefore, s.PageLoadTimeout())
	})

	t.Run("invalid override", func(t *testing.T) {
		_, err := s.Open(context.Background(), "http://example.com/", WithAttempts(0))
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestBackForward(t *testing.T) {
	s, ch := newTestSession(t)
	ctx := context.Background()

	_, err := s.Open(ctx, "http://example.com/a")
	require.NoError(t, err)
	_, err = s.Open(ctx, "http://example.com/b")
	require.NoError(t, err)

	meta, err := s.Back(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a", meta.Response.URL)

	meta, err = s.Forward(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/b", meta.Response.URL)

	assert.Equal(t, []string{
		"http://example.com/a",
		"http://example.com/b",
		"http://example.com/a",
		"http://example.com/b",
	}, s.History())

	t.Run("forward at the newest entry", func(t *testing.T) {
		calls := ch.navCalls
		_, err := s.Forward(ctx, WithAttempts(2))
		var navErr *NavigationError
		require.ErrorAs(t, err, &navErr)
		assert.Equal(t, "forward", navErr.Op)
		assert.Equal(t, calls+2, ch.navCalls)
	})
}

func TestBack_AtHistoryBoundary(t *testing.T) {
	s, ch := newTestSession(t)

	_, err := s.Back(context.Background(), WithAttempts(2))

	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "back", navErr.Op)
	assert.Equal(t, 2, ch.navCalls, "both attempts are spent")
	assert.Empty(t, s.History())
}

func TestRefresh(t *testing.T) {
	s, ch := newTestSession(t)
	_, err := s.Open(context.Background(), "http://example.com/")
	require.NoError(t, err)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.History(), 1, "refresh records no metadata")

	ch.navErrs = []error{errConnReset}
	var navErr *NavigationError
	assert.ErrorAs(t, s.Refresh(context.Background()), &navErr)
}

func TestOpenBlankPage(t *testing.T) {
	s, ch := newTestSession(t)
	_, err := s.Open(context.Background(), "http://example.com/")
	require.NoError(t, err)
	timeout := s.PageLoadTimeout()

	require.NoError(t, s.OpenBlankPage(context.Background()))
	blank, err := s.BlankState(context.Background())
	require.NoError(t, err)
	assert.True(t, blank)
	assert.Len(t, s.History(), 1)
	assert.Contains(t, ch.pageLoadTimeouts, blankPageTimeout)
	assert.Equal(t, timeout, s.PageLoadTimeout())

	u, err := s.CurrentURL(context.Background())
	require.NoError(t, err)
	assert.Empty(t, u)
}

func TestSameURL(t *testing.T) {
	assert.True(t, sameURL("http://a/b/", "http://a/b"))
	assert.True(t, sameURL("http://a/b", "http://a/b"))
	assert.False(t, sameURL("http://a/b//", "http://a/b"))
	assert.False(t, sameURL("HTTP://a/b", "http://a/b"))
}
