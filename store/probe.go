package store

import (
	"context"
	"net/url"
	"strings"
	"time"
)

type (
	// URLKind classifies a URL by which fetcher can scrape it.
	URLKind string

	// ScrapeData is the payload a scrape produces, either from the cloud
	// fetcher or from a probe result callback. It is persisted verbatim in
	// ProbeEvent.Result and its fields are copied onto the Link.
	ScrapeData struct {
		Title         string      `json:"title,omitempty"`
		Markdown      string      `json:"markdown"`
		OGTitle       string      `json:"og_title,omitempty"`
		OGDescription string      `json:"og_description,omitempty"`
		OGImage       string      `json:"og_image,omitempty"`
		OGSiteName    string      `json:"og_site_name,omitempty"`
		OGType        string      `json:"og_type,omitempty"`
		RawMedia      []MediaItem `json:"raw_media,omitempty"`
	}

	// MediaItem describes one media attachment found during a scrape.
	MediaItem struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	}

	// ProbeEvent is a unit of scrape work dispatched from the coordinator to
	// a user's probes. Created when the pipeline suspends for a local scrape;
	// terminal once a probe posts a result or the event expires.
	ProbeEvent struct {
		ID           string
		UserID       int64
		LinkID       int64
		URL          string
		URLType      URLKind
		Status       ProbeEventStatus
		Result       *ScrapeData
		ErrorMessage string
		CreatedAt    time.Time
		SentAt       *time.Time
		CompletedAt  *time.Time
	}

	// ProbeEventStatus is the delivery state of a probe event.
	ProbeEventStatus string

	// ProbeDevice is an enrolled probe. Its bearer token is the sole
	// capability required to subscribe to events and post results.
	ProbeDevice struct {
		ID         string
		UserID     int64
		Token      string
		Name       string
		LastSeenAt *time.Time
		CreatedAt  time.Time
	}

	// DeviceAuthRequest tracks one device-code enrollment attempt.
	DeviceAuthRequest struct {
		DeviceCode string
		UserCode   string
		UserID     *int64
		Status     DeviceAuthStatus
		ExpiresAt  time.Time
		CreatedAt  time.Time
	}

	// DeviceAuthStatus is the state of a device-code enrollment.
	DeviceAuthStatus string

	// ProbeEventStore persists probe events.
	ProbeEventStore interface {
		// CreateProbeEvent stores ev, assigning ID and CreatedAt when unset,
		// and returns the stored event.
		CreateProbeEvent(ctx context.Context, ev ProbeEvent) (ProbeEvent, error)

		GetProbeEvent(ctx context.Context, id string) (ProbeEvent, error)

		// MarkProbeEventSent transitions a pending event to sent and stamps
		// sent_at. Events already past pending are left unchanged.
		MarkProbeEventSent(ctx context.Context, id string) error

		// SetProbeEventStatus transitions the event. A completed status
		// requires result; an error status records errMsg. Terminal
		// transitions stamp completed_at.
		SetProbeEventStatus(ctx context.Context, id string, status ProbeEventStatus, result *ScrapeData, errMsg string) error

		// ListPendingProbeEvents returns the user's pending events in
		// creation order so reconnecting probes replay them oldest first.
		ListPendingProbeEvents(ctx context.Context, userID int64) ([]ProbeEvent, error)

		CountPendingProbeEvents(ctx context.Context, userID int64) (int64, error)

		// ExpireProbeEvents transitions every pending or sent event created
		// before cutoff to error and returns the transitioned events.
		ExpireProbeEvents(ctx context.Context, cutoff time.Time) ([]ProbeEvent, error)
	}

	// ProbeDeviceStore persists enrolled probes.
	ProbeDeviceStore interface {
		CreateProbeDevice(ctx context.Context, dev ProbeDevice) (ProbeDevice, error)
		GetProbeDeviceByToken(ctx context.Context, token string) (ProbeDevice, error)
		ListProbeDevices(ctx context.Context, userID int64) ([]ProbeDevice, error)

		// TouchProbeDevice bumps last_seen_at.
		TouchProbeDevice(ctx context.Context, id string) error
	}

	// DeviceAuthStore persists device-code enrollment requests.
	DeviceAuthStore interface {
		CreateDeviceAuth(ctx context.Context, req DeviceAuthRequest) error
		GetDeviceAuth(ctx context.Context, deviceCode string) (DeviceAuthRequest, error)
		GetDeviceAuthByUserCode(ctx context.Context, userCode string) (DeviceAuthRequest, error)

		// AuthorizeDeviceAuth attaches userID and marks the request
		// authorized. Only pending requests can be authorized.
		AuthorizeDeviceAuth(ctx context.Context, deviceCode string, userID int64) error

		// ExpireDeviceAuth marks the request expired.
		ExpireDeviceAuth(ctx context.Context, deviceCode string) error
	}
)

const (
	URLKindTwitter URLKind = "twitter"
	URLKindWeb     URLKind = "web"
)

const (
	ProbeEventPending   ProbeEventStatus = "pending"
	ProbeEventSent      ProbeEventStatus = "sent"
	ProbeEventCompleted ProbeEventStatus = "completed"
	ProbeEventError     ProbeEventStatus = "error"
)

const (
	DeviceAuthPending    DeviceAuthStatus = "pending"
	DeviceAuthAuthorized DeviceAuthStatus = "authorized"
	DeviceAuthExpired    DeviceAuthStatus = "expired"
)

// ClassifyURL reports which fetcher kind can scrape rawURL. Tweet pages need
// a logged-in browser session, so twitter.com and x.com hosts (including
// their www. and mobile. variants) classify as URLKindTwitter; everything
// else, including unparseable input, is URLKindWeb.
func ClassifyURL(rawURL string) URLKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return URLKindWeb
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "mobile.")
	if host == "twitter.com" || host == "x.com" {
		return URLKindTwitter
	}
	return URLKindWeb
}
