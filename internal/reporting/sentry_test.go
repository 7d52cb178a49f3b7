package reporting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("connection reset by peer", func(t *testing.T) {
		t.Parallel()

		err := `failed to listen for cache events: read tcp [dead:beef:feb1:d745::c001]:64079->[dead:beef::6811:112a]:5432: read: connection reset by peer`
		want := `failed to listen for cache events: read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})

	t.Run("misc ipv6", func(t *testing.T) {
		t.Parallel()

		ips := []string{
			`1:2:3:4:5:6:7:8`,
			`1::`,
			`1:2:3:4:5:6:7::`,
			`1::8`,
			`1:2:3:4:5::7:8`,
			`1::6:7:8`,
			`1:2::4:5:6:7:8`,
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

	t.Run("identifiers", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			error string
			want  string
		}{
			{
				error: `concurrency failure: lock state for workspace://SpacesStore/0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0 changed`,
				want:  `concurrency failure: lock state for <nodeRef> changed`,
			},
			{
				error: `archive://SpacesStore/node-1 and user://UserStore/bob`,
				want:  `<nodeRef> and <nodeRef>`,
			},
			{
				// URLs are not node refs
				error: `Get "https://example.com/path": timeout`,
				want:  `Get "https://example.com/path": timeout`,
			},
			{
				error: `failed to build key "acme-corp" for cache tenants: file not found`,
				want:  `failed to build key "<key>" for cache tenants: file not found`,
			},
			{
				error: `tenant "globex": invalid settings`,
				want:  `tenant "<key>": invalid settings`,
			},
			{
				error: `transaction 01234567-89ab-cdef-0123-456789abcdef is already COMMITTED`,
				want:  `transaction <uuid> is already COMMITTED`,
			},
		}
		for _, tc := range cases {
			t.Run(tc.error, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, tc.want, sanitizeError(tc.error))
			})
		}
	})
}

func TestAddMetaMiddleware(t *testing.T) {
	t.Parallel()

	var meta ReportingMeta
	handler := NewAddMetaMiddleware("cache_status")(func(w http.ResponseWriter, r *http.Request) {
		meta = MetaFromContext(r.Context())
	})

	req := httptest.NewRequest("GET", "/v1/caches/tenants/keys/acme", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("X-User-Id", "user-1")
	handler(httptest.NewRecorder(), req)

	require.Equal(t, map[string]string{
		"operation":  "cache_status",
		"userAgent":  "curl/8.0",
		"methodPath": "GET /v1/caches/tenants/keys/acme",
	}, meta.tags)
	require.Equal(t, "user-1", meta.userID)
	require.False(t, meta.startedAt.IsZero())
}

func TestMetaFromContextIsACopy(t *testing.T) {
	t.Parallel()

	ctx := AddTagsToContext(t.Context(), map[string]string{"a": "1"})
	ctx = AddExtrasToContext(ctx, map[string]string{"b": "2"})

	meta := MetaFromContext(ctx)
	meta.tags["a"] = "changed"
	meta.extras["c"] = "3"

	fresh := MetaFromContext(ctx)
	require.Equal(t, map[string]string{"a": "1"}, fresh.tags)
	require.Equal(t, map[string]string{"b": "2"}, fresh.extras)
}
