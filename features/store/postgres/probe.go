package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkmind/linkmind/store"
)

const probeEventColumns = `id, user_id, link_id, url, url_type, status, result, error_message,
	created_at, sent_at, completed_at`

type probeEventRow struct {
	ID           string     `db:"id"`
	UserID       int64      `db:"user_id"`
	LinkID       int64      `db:"link_id"`
	URL          string     `db:"url"`
	URLType      string     `db:"url_type"`
	Status       string     `db:"status"`
	Result       []byte     `db:"result"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	SentAt       *time.Time `db:"sent_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r probeEventRow) toEvent() (store.ProbeEvent, error) {
	ev := store.ProbeEvent{
		ID:           r.ID,
		UserID:       r.UserID,
		LinkID:       r.LinkID,
		URL:          r.URL,
		URLType:      store.URLKind(r.URLType),
		Status:       store.ProbeEventStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		SentAt:       r.SentAt,
		CompletedAt:  r.CompletedAt,
	}
	if len(r.Result) > 0 {
		var data store.ScrapeData
		if err := json.Unmarshal(r.Result, &data); err != nil {
			return store.ProbeEvent{}, fmt.Errorf("decode result for probe event %s: %w", r.ID, err)
		}
		ev.Result = &data
	}
	return ev, nil
}

func toEvents(rows []probeEventRow) ([]store.ProbeEvent, error) {
	out := make([]store.ProbeEvent, len(rows))
	for i, r := range rows {
		ev, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

// CreateProbeEvent stores ev, assigning ID, Status and CreatedAt when unset.
func (s *Store) CreateProbeEvent(ctx context.Context, ev store.ProbeEvent) (store.ProbeEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = store.ProbeEventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var result any
	if ev.Result != nil {
		raw, err := json.Marshal(ev.Result)
		if err != nil {
			return store.ProbeEvent{}, fmt.Errorf("encode result: %w", err)
		}
		result = string(raw)
	}
	const q = `INSERT INTO probe_events (id, user_id, link_id, url, url_type, status, result, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`
	if _, err := s.db.ExecContext(ctx, q,
		ev.ID, ev.UserID, ev.LinkID, ev.URL, string(ev.URLType), string(ev.Status),
		result, ev.ErrorMessage, ev.CreatedAt); err != nil {
		return store.ProbeEvent{}, wrapErr("create probe event", err)
	}
	return ev, nil
}

func (s *Store) GetProbeEvent(ctx context.Context, id string) (store.ProbeEvent, error) {
	var row probeEventRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+probeEventColumns+` FROM probe_events WHERE id = $1`, id); err != nil {
		return store.ProbeEvent{}, wrapErr("get probe event", err)
	}
	return row.toEvent()
}

// MarkProbeEventSent transitions a pending event to sent. Events already past
// pending are left unchanged.
func (s *Store) MarkProbeEventSent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE probe_events SET status = 'sent', sent_at = now() WHERE id = $1 AND status = 'pending'`, id); err != nil {
		return wrapErr("mark probe event sent", err)
	}
	return nil
}

// SetProbeEventStatus transitions the event, recording the result or error
// message and stamping completed_at on terminal transitions.
func (s *Store) SetProbeEventStatus(ctx context.Context, id string, status store.ProbeEventStatus, result *store.ScrapeData, errMsg string) error {
	var resultArg any
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		resultArg = string(raw)
	}
	const q = `UPDATE probe_events
		SET status = $2,
		    result = COALESCE($3::jsonb, result),
		    error_message = $4,
		    completed_at = CASE WHEN $2 IN ('completed', 'error') THEN now() ELSE completed_at END
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, string(status), resultArg, errMsg)
	if err != nil {
		return wrapErr("set probe event status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("set probe event status", err)
	}
	if n == 0 {
		return fmt.Errorf("set probe event %s status: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListPendingProbeEvents returns the user's pending events oldest first so
// reconnecting probes replay them in creation order.
func (s *Store) ListPendingProbeEvents(ctx context.Context, userID int64) ([]store.ProbeEvent, error) {
	var rows []probeEventRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+probeEventColumns+` FROM probe_events WHERE user_id = $1 AND status = 'pending' ORDER BY created_at, id`,
		userID); err != nil {
		return nil, wrapErr("list pending probe events", err)
	}
	return toEvents(rows)
}

func (s *Store) CountPendingProbeEvents(ctx context.Context, userID int64) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM probe_events WHERE user_id = $1 AND status = 'pending'`, userID); err != nil {
		return 0, wrapErr("count pending probe events", err)
	}
	return n, nil
}

// ExpireProbeEvents transitions every pending or sent event created before
// cutoff to error and returns the transitioned events.
func (s *Store) ExpireProbeEvents(ctx context.Context, cutoff time.Time) ([]store.ProbeEvent, error) {
	var rows []probeEventRow
	const q = `UPDATE probe_events
		SET status = 'error', error_message = 'probe event expired', completed_at = now()
		WHERE status IN ('pending', 'sent') AND created_at < $1
		RETURNING ` + probeEventColumns
	if err := s.db.SelectContext(ctx, &rows, q, cutoff); err != nil {
		return nil, wrapErr("expire probe events", err)
	}
	return toEvents(rows)
}

const probeDeviceColumns = `id, user_id, token, name, last_seen_at, created_at`

type probeDeviceRow struct {
	ID         string     `db:"id"`
	UserID     int64      `db:"user_id"`
	Token      string     `db:"token"`
	Name       string     `db:"name"`
	LastSeenAt *time.Time `db:"last_seen_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (r probeDeviceRow) toDevice() store.ProbeDevice {
	return store.ProbeDevice{
		ID:         r.ID,
		UserID:     r.UserID,
		Token:      r.Token,
		Name:       r.Name,
		LastSeenAt: r.LastSeenAt,
		CreatedAt:  r.CreatedAt,
	}
}

// CreateProbeDevice stores dev, assigning ID and CreatedAt when unset.
func (s *Store) CreateProbeDevice(ctx context.Context, dev store.ProbeDevice) (store.ProbeDevice, error) {
	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO probe_devices (id, user_id, token, name, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, dev.ID, dev.UserID, dev.Token, dev.Name, dev.CreatedAt); err != nil {
		return store.ProbeDevice{}, wrapErr("create probe device", err)
	}
	return dev, nil
}

func (s *Store) GetProbeDeviceByToken(ctx context.Context, token string) (store.ProbeDevice, error) {
	var row probeDeviceRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+probeDeviceColumns+` FROM probe_devices WHERE token = $1`, token); err != nil {
		return store.ProbeDevice{}, wrapErr("get probe device", err)
	}
	return row.toDevice(), nil
}

func (s *Store) ListProbeDevices(ctx context.Context, userID int64) ([]store.ProbeDevice, error) {
	var rows []probeDeviceRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+probeDeviceColumns+` FROM probe_devices WHERE user_id = $1 ORDER BY created_at, id`, userID); err != nil {
		return nil, wrapErr("list probe devices", err)
	}
	out := make([]store.ProbeDevice, len(rows))
	for i, r := range rows {
		out[i] = r.toDevice()
	}
	return out, nil
}

// TouchProbeDevice bumps last_seen_at.
func (s *Store) TouchProbeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE probe_devices SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return wrapErr("touch probe device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("touch probe device", err)
	}
	if n == 0 {
		return fmt.Errorf("touch probe device %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const deviceAuthColumns = `device_code, user_code, user_id, status, expires_at, created_at`

type deviceAuthRow struct {
	DeviceCode string    `db:"device_code"`
	UserCode   string    `db:"user_code"`
	UserID     *int64    `db:"user_id"`
	Status     string    `db:"status"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r deviceAuthRow) toRequest() store.DeviceAuthRequest {
	return store.DeviceAuthRequest{
		DeviceCode: r.DeviceCode,
		UserCode:   r.UserCode,
		UserID:     r.UserID,
		Status:     store.DeviceAuthStatus(r.Status),
		ExpiresAt:  r.ExpiresAt,
		CreatedAt:  r.CreatedAt,
	}
}

func (s *Store) CreateDeviceAuth(ctx context.Context, req store.DeviceAuthRequest) error {
	if req.Status == "" {
		req.Status = store.DeviceAuthPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO device_auth_requests (device_code, user_code, user_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, q,
		req.DeviceCode, req.UserCode, req.UserID, string(req.Status), req.ExpiresAt, req.CreatedAt); err != nil {
		return wrapErr("create device auth", err)
	}
	return nil
}

func (s *Store) GetDeviceAuth(ctx context.Context, deviceCode string) (store.DeviceAuthRequest, error) {
	var row deviceAuthRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+deviceAuthColumns+` FROM device_auth_requests WHERE device_code = $1`, deviceCode); err != nil {
		return store.DeviceAuthRequest{}, wrapErr("get device auth", err)
	}
	return row.toRequest(), nil
}

func (s *Store) GetDeviceAuthByUserCode(ctx context.Context, userCode string) (store.DeviceAuthRequest, error) {
	var row deviceAuthRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+deviceAuthColumns+` FROM device_auth_requests WHERE user_code = $1`, userCode); err != nil {
		return store.DeviceAuthRequest{}, wrapErr("get device auth by user code", err)
	}
	return row.toRequest(), nil
}

// AuthorizeDeviceAuth attaches userID and marks the request authorized. Only
// pending requests transition.
func (s *Store) AuthorizeDeviceAuth(ctx context.Context, deviceCode string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_auth_requests SET status = 'authorized', user_id = $2 WHERE device_code = $1 AND status = 'pending'`,
		deviceCode, userID)
	if err != nil {
		return wrapErr("authorize device auth", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("authorize device auth", err)
	}
	if n == 0 {
		return fmt.Errorf("authorize device auth: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) ExpireDeviceAuth(ctx context.Context, deviceCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_auth_requests SET status = 'expired' WHERE device_code = $1`, deviceCode)
	if err != nil {
		return wrapErr("expire device auth", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("expire device auth", err)
	}
	if n == 0 {
		return fmt.Errorf("expire device auth: %w", store.ErrNotFound)
	}
	return nil
}
