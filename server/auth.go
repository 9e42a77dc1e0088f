package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/linkmind/linkmind/store"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	deviceKey
)

// EncodeSession mints the session cookie for userID. Session issuance lives
// outside this service; the helper exists for that issuer and for tests.
func (s *Server) EncodeSession(userID int64) (*http.Cookie, error) {
	value, err := s.sessions.Encode(SessionCookieName, userID)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// sessionAuth authenticates requests by the session cookie and stashes the
// user id on the context. Missing or invalid cookies are 401.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "missing session")
			return
		}
		var userID int64
		if err := s.sessions.Decode(SessionCookieName, cookie.Value, &userID); err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerAuth authenticates probe requests by their enrollment token, bumps
// the device's last-seen stamp and stashes the device on the context.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		device, err := s.store.GetProbeDeviceByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			s.storeError(w, r, err)
			return
		}
		if err := s.store.TouchProbeDevice(r.Context(), device.ID); err != nil {
			s.logger.Warn(r.Context(), "touch probe device", "device", device.ID, "err", err.Error())
		}
		ctx := context.WithValue(r.Context(), deviceKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionUser returns the authenticated user id. Only valid behind
// sessionAuth.
func sessionUser(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// probeDevice returns the authenticated probe device. Only valid behind
// bearerAuth.
func probeDevice(ctx context.Context) store.ProbeDevice {
	dev, _ := ctx.Value(deviceKey).(store.ProbeDevice)
	return dev
}
