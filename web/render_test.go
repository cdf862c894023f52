package web

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	rd, err := NewRenderer("Manage", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return rd
}

func TestRenderMergesLocals(t *testing.T) {
	rd := newTestRenderer(t)

	h := LocalsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetLocal(r.Context(), "isAuthenticated", true)
		require.NoError(t, rd.Render(w, r, 0, ViewError, map[string]any{
			"messages": []string{"Error: uh oh", "Try again later"},
		}))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Error: uh oh")
	assert.Contains(t, body, "Sorry, there was an error - Manage")
	assert.Contains(t, body, `href="/auth/signout"`)
}

func TestRenderSetsStatus(t *testing.T) {
	rd := newTestRenderer(t)
	rec := httptest.NewRecorder()

	err := rd.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusForbidden, ViewForbidden, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "You do not have permission")
	assert.NotContains(t, rec.Body.String(), "Sign out")
}

func TestRenderUnknownView(t *testing.T) {
	rd := newTestRenderer(t)
	rec := httptest.NewRecorder()

	err := rd.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), 0, "missing", nil)
	assert.Error(t, err)
}

func TestSetLocalOutsideMiddlewareIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	SetLocal(req.Context(), "k", "v")
	assert.Nil(t, Locals(req.Context()))
}
