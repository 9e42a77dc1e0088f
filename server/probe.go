package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/linkmind/linkmind/runtime/bridge"
	"github.com/linkmind/linkmind/store"
)

type (
	tokenRequest struct {
		DeviceCode string `json:"device_code"`
	}

	deviceItem struct {
		ID         string     `json:"id"`
		Name       string     `json:"name"`
		LastSeenAt *time.Time `json:"last_seen_at"`
		CreatedAt  time.Time  `json:"created_at"`
	}

	// sseSink adapts the response stream to the bridge sink contract. The
	// bridge serializes Send calls, so no locking is needed here.
	sseSink struct {
		w       http.ResponseWriter
		flusher http.Flusher
	}
)

func (s *sseSink) Send(ev bridge.Event) error {
	if _, err := s.w.Write(ev.Encode()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleDeviceAuth starts a device-code enrollment. Unauthenticated: the
// grant is worthless until a logged-in user authorizes the code.
func (s *Server) handleDeviceAuth(w http.ResponseWriter, r *http.Request) {
	grant, err := s.bridge.InitiateDeviceAuth(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, grant)
}

// handleDeviceToken answers one token poll. The poll-state sentinels map to
// 400 with the sentinel message in the error field, the device-flow wire
// convention probes switch on.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceCode == "" {
		s.respondError(w, http.StatusBadRequest, "device_code is required")
		return
	}
	token, err := s.bridge.PollDeviceToken(r.Context(), req.DeviceCode)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrAuthorizationPending),
			errors.Is(err, bridge.ErrExpiredToken),
			errors.Is(err, bridge.ErrInvalidDeviceCode):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.storeError(w, r, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, token)
}

// handleSubscribeEvents holds the probe's event stream open. Pending events
// replay on subscribe, after which frames arrive as the bridge pushes them.
// The stream ends when the probe disconnects or the server shuts down.
func (s *Server) handleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	device := probeDevice(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Streams outlive any write deadline the server carries.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, err := s.bridge.Subscribe(r.Context(), device.UserID, &sseSink{w: w, flusher: flusher})
	if err != nil {
		s.logger.Error(r.Context(), "probe subscribe", "device", device.ID, "err", err.Error())
		return
	}
	defer sub.Close()

	s.logger.Info(r.Context(), "probe stream open", "device", device.ID, "user", device.UserID)
	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}
	s.logger.Info(r.Context(), "probe stream closed", "device", device.ID)
}

// handleReceiveResult applies a probe's scrape outcome. Results for events
// owned by another user answer 404 so event ids stay unprobeable.
func (s *Server) handleReceiveResult(w http.ResponseWriter, r *http.Request) {
	var res bridge.ProbeResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if res.EventID == "" {
		s.respondError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	if res.Success && res.Data == nil {
		s.respondError(w, http.StatusBadRequest, "successful result requires data")
		return
	}
	device := probeDevice(r.Context())
	if err := s.bridge.ReceiveResult(r.Context(), device, res); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, bridge.ErrForeignEvent) {
			s.respondError(w, http.StatusNotFound, "event not found")
			return
		}
		s.storeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleProbeStatus reports the user's enrolled probes and how many events
// await delivery. Tokens never leave the store.
func (s *Server) handleProbeStatus(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r.Context())
	devices, err := s.store.ListProbeDevices(r.Context(), userID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	pending, err := s.store.CountPendingProbeEvents(r.Context(), userID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	items := make([]deviceItem, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceItem{
			ID:         d.ID,
			Name:       d.Name,
			LastSeenAt: d.LastSeenAt,
			CreatedAt:  d.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"devices":              items,
		"pending_events_count": pending,
	})
}
