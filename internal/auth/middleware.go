package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

type contextKey int

const (
	ctxSessionID contextKey = iota
	ctxSubject
	ctxRemoteIP
)

// WithSessionID returns a context carrying the caller's session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

// SessionID returns the session id from the context, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

// RequestSubject returns the authenticated Synapse subject from the context, or "".
func RequestSubject(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubject).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// BearerFromHeader returns the token of an Authorization: Bearer
// header, or "".
func BearerFromHeader(h http.Header) string {
	v := h.Get("Authorization")
	if !strings.HasPrefix(v, "Bearer ") {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
}

// bearerToken returns the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	token := BearerFromHeader(r.Header)
	return token, token != ""
}

// Middleware returns HTTP middleware that requires a session bearer.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
// A session whose upstream token has expired is still accepted here;
// the credential provider refreshes it on use.
func Middleware(store session.Store, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(serverURL, "/") + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should log in again.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			sess, err := store.Get(r.Context(), token)
			if errors.Is(err, session.ErrNotFound) {
				logger.Debug("middleware: unknown or expired session",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if err != nil {
				logger.Error("middleware: session lookup failed", slog.String("error", err.Error()))
				http.Error(w, "session storage unavailable", http.StatusServiceUnavailable)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("session", redactID(sess.ID)),
				slog.String("subject", sess.Subject),
				slog.String("ip", ip),
			)

			ctx := WithSessionID(r.Context(), sess.ID)
			ctx = context.WithValue(ctx, ctxSubject, sess.Subject)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
