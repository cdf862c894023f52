package web

import (
	"context"
	"net/http"
)

type localsKey struct{}

// LocalsMiddleware gives every request an empty set of view locals.
func LocalsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), localsKey{}, map[string]any{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Locals returns the request's view locals, or nil outside LocalsMiddleware.
func Locals(ctx context.Context) map[string]any {
	m, _ := ctx.Value(localsKey{}).(map[string]any)
	return m
}

// SetLocal records a value visible to every view rendered for the request.
// It is a no-op outside LocalsMiddleware.
func SetLocal(ctx context.Context, key string, value any) {
	if m := Locals(ctx); m != nil {
		m[key] = value
	}
}
