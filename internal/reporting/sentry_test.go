package reporting

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("connection reset by peer", func(t *testing.T) {
		t.Parallel()

		err := `no response: failed to send request: Post "https://api.example.com/api/main?q=item": read tcp [dead:beef:feb1:d745::c001]:64079->[dead:beef::6811:112a]:443: read: connection reset by peer`
		want := `no response: failed to send request: Post "https://api.example.com/api/main?q=item": read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("context deadline", func(t *testing.T) {
		t.Parallel()

		err := `query main/item failed: Post "https://api.example.com/api/main?q=item": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		require.Equal(t, err, sanitizeError(err))
	})
	t.Run("fake resource ids", func(t *testing.T) {
		t.Parallel()

		err := `optimistic projection for main-item-fake-0f8fad5b-d9cb-469f-a165-70867728950e: boom`
		want := `optimistic projection for main-item-fake-<uuid>: boom`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("batch sizes", func(t *testing.T) {
		t.Parallel()

		err := `network error: incorrect batch response size: got 3, want 12`
		want := `network error: incorrect batch response size: got <n>, want <n>`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("misc ipv6", func(t *testing.T) {
		t.Parallel()

		ips := []string{
			`1:2:3:4:5:6:7:8`,
			`1::`,
			`1:2:3:4:5:6:7::`,
			`1::8`,
			`1:2:3:4:5:6::8`,
			`1::7:8`,
			`1:2:3:4:5::7:8`,
			`1::6:7:8`,
			`1:2:3:4::6:7:8`,
			`1::5:6:7:8`,
			`1:2:3::5:6:7:8`,
			`1::4:5:6:7:8`,
			`1:2::4:5:6:7:8`,
			`1::3:4:5:6:7:8`,
			`::2:3:4:5:6:7:8`,
			`::8`,
			`::`,
		}
		for _, ip := range ips {
			t.Run(ip, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, "<host>", sanitizeError(fmt.Sprintf("[%s]:1234", ip)))
			})
		}
	})
}

func TestReport(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	t.Run("without a hub the error is only logged", func(t *testing.T) {
		Report(t.Context(), errors.New("not reported"))
	})

	t.Run("with a hub", func(t *testing.T) {
		ctx := sentry.SetHubOnContext(t.Context(), hub)
		ctx = SetUserIDInContext(ctx, "session-1")
		ctx = AddTagsToContext(ctx, map[string]string{"endpoint": "main"})
		ctx = AddExtrasToContext(ctx, map[string]string{"args": `{"id":1}`})
		ctx = SetStartedAtInContext(ctx, time.Now())

		Report(ctx, errors.New("query failed"), map[string]string{"name": "item"}, nil)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, events, 1)
		event := events[0]
		require.Equal(t, "session-1", event.User.ID)
		require.Equal(t, "main", event.Tags["endpoint"])
		require.Equal(t, `{"id":1}`, event.Extra["args"])
		require.Equal(t, "item", event.Extra["name"])
		require.Contains(t, event.Extra, "secondsSinceStart")
		require.Equal(t, []string{"{{ default }}", "query failed"}, event.Fingerprint)
	})
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	ctx := AddTagsToContext(t.Context(), map[string]string{"a": "1"})
	derived := AddTagsToContext(ctx, map[string]string{"b": "2"})

	require.Equal(t, map[string]string{"a": "1"}, MetaFromContext(ctx).tags)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, MetaFromContext(derived).tags)
}
