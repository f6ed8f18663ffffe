package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is the header a caller may use to supply its own
// correlation ID. The server echoes it back; absent one, it generates a
// UUID.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestIDMiddleware attaches a correlation ID to every request and
// mirrors it on the response, so a client can match multi-minute proving
// responses to the request that triggered them.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the correlation ID attached by the
// middleware, or "" outside of it.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
