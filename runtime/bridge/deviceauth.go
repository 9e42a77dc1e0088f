package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkmind/linkmind/store"
)

type (
	// DeviceAuthGrant is the response to a new enrollment. Field names match
	// the device-flow wire contract.
	DeviceAuthGrant struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}

	// DeviceToken is the credential handed to a probe once its enrollment is
	// authorized.
	DeviceToken struct {
		AccessToken string `json:"access_token"`
		UserID      int64  `json:"user_id"`
	}
)

// TokenPrefix namespaces probe bearer tokens.
const TokenPrefix = "lmp_"

// userCodeAlphabet omits 0, 1, I and O so codes survive being read aloud.
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Poll-state sentinels. Their messages are written verbatim into the error
// field of token poll responses.
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrExpiredToken         = errors.New("expired_token")
	ErrInvalidDeviceCode    = errors.New("invalid_device_code")

	// ErrInvalidUserCode reports a verification code that matches no pending
	// enrollment.
	ErrInvalidUserCode = errors.New("invalid user code")
)

// InitiateDeviceAuth starts an enrollment: it mints a device code for the
// probe to poll with and a short user code for its owner to type on the
// verification page.
func (b *Bridge) InitiateDeviceAuth(ctx context.Context) (DeviceAuthGrant, error) {
	deviceCode, err := randomHex(16)
	if err != nil {
		return DeviceAuthGrant{}, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return DeviceAuthGrant{}, err
	}
	now := time.Now().UTC()
	req := store.DeviceAuthRequest{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     store.DeviceAuthPending,
		ExpiresAt:  now.Add(b.authTTL),
		CreatedAt:  now,
	}
	if err := b.store.CreateDeviceAuth(ctx, req); err != nil {
		return DeviceAuthGrant{}, fmt.Errorf("create device auth: %w", err)
	}
	b.metrics.IncCounter("device_auth_initiated", 1)
	b.logger.Info(ctx, "device auth initiated", "user_code", userCode)
	return DeviceAuthGrant{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: b.verificationURI,
		ExpiresIn:       int(b.authTTL.Seconds()),
		Interval:        b.pollSeconds,
	}, nil
}

// AuthorizeDevice attaches the authenticated user to the enrollment matching
// userCode. Codes are normalized first so users can type them with or
// without the dash and in any case.
func (b *Bridge) AuthorizeDevice(ctx context.Context, userID int64, userCode string) error {
	code, err := normalizeUserCode(userCode)
	if err != nil {
		return err
	}
	req, err := b.store.GetDeviceAuthByUserCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidUserCode
		}
		return err
	}
	if time.Now().UTC().After(req.ExpiresAt) {
		if err := b.store.ExpireDeviceAuth(ctx, req.DeviceCode); err != nil {
			b.logger.Warn(ctx, "expire device auth", "err", err.Error())
		}
		return ErrExpiredToken
	}
	if req.Status != store.DeviceAuthPending {
		return ErrInvalidUserCode
	}
	if err := b.store.AuthorizeDeviceAuth(ctx, req.DeviceCode, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidUserCode
		}
		return err
	}
	b.logger.Info(ctx, "device authorized", "user", userID)
	return nil
}

// PollDeviceToken resolves one poll of the token endpoint. Pending
// enrollments answer ErrAuthorizationPending, lapsed ones ErrExpiredToken,
// unknown codes ErrInvalidDeviceCode. An authorized enrollment mints a new
// probe device and is consumed, so a replayed poll cannot mint a second
// token.
func (b *Bridge) PollDeviceToken(ctx context.Context, deviceCode string) (DeviceToken, error) {
	req, err := b.store.GetDeviceAuth(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeviceToken{}, ErrInvalidDeviceCode
		}
		return DeviceToken{}, err
	}
	switch {
	case req.Status == store.DeviceAuthExpired:
		return DeviceToken{}, ErrExpiredToken
	case time.Now().UTC().After(req.ExpiresAt):
		if err := b.store.ExpireDeviceAuth(ctx, deviceCode); err != nil {
			b.logger.Warn(ctx, "expire device auth", "err", err.Error())
		}
		return DeviceToken{}, ErrExpiredToken
	case req.Status == store.DeviceAuthPending:
		return DeviceToken{}, ErrAuthorizationPending
	}
	if req.UserID == nil {
		return DeviceToken{}, ErrInvalidDeviceCode
	}

	token, err := randomHex(16)
	if err != nil {
		return DeviceToken{}, err
	}
	dev := store.ProbeDevice{
		UserID: *req.UserID,
		Token:  TokenPrefix + token,
		Name:   "probe-" + strings.ToLower(strings.ReplaceAll(req.UserCode, "-", "")),
	}
	if _, err := b.store.CreateProbeDevice(ctx, dev); err != nil {
		return DeviceToken{}, fmt.Errorf("create probe device: %w", err)
	}
	if err := b.store.ExpireDeviceAuth(ctx, deviceCode); err != nil {
		b.logger.Warn(ctx, "consume device auth", "err", err.Error())
	}
	b.metrics.IncCounter("probe_devices_enrolled", 1)
	b.logger.Info(ctx, "probe enrolled", "user", *req.UserID)
	return DeviceToken{AccessToken: dev.Token, UserID: *req.UserID}, nil
}

// newUserCode returns eight characters from the code alphabet formatted
// XXXX-XXXX. The alphabet size divides 256 so the modulo is unbiased.
func newUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	var sb strings.Builder
	for i, c := range raw {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return sb.String(), nil
}

// normalizeUserCode uppercases the code and strips spaces and dashes before
// re-inserting the canonical dash.
func normalizeUserCode(code string) (string, error) {
	cleaned := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(code)))
	if len(cleaned) != 8 {
		return "", ErrInvalidUserCode
	}
	for _, r := range cleaned {
		if !strings.ContainsRune(userCodeAlphabet, r) {
			return "", ErrInvalidUserCode
		}
	}
	return cleaned[:4] + "-" + cleaned[4:], nil
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
