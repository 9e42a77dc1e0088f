package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linkmind/linkmind/runtime/bridge"
)

// Login runs the device-code enrollment against the coordinator at apiBase.
// It prints the verification URL and user code to out, then polls for the
// token at the server's advertised interval until the user authorizes the
// code, the grant expires or ctx is canceled. The returned config carries
// the minted bearer token.
func Login(ctx context.Context, client *http.Client, apiBase string, out io.Writer) (Config, error) {
	apiBase = strings.TrimRight(apiBase, "/")
	if apiBase == "" {
		return Config{}, errors.New("missing api base")
	}
	if client == nil {
		client = http.DefaultClient
	}

	grant, err := initiateDeviceAuth(ctx, client, apiBase)
	if err != nil {
		return Config{}, err
	}
	fmt.Fprintf(out, "To connect this probe, open\n\n  %s?code=%s\n\nand confirm code %s.\n", grant.VerificationURI, grant.UserCode, grant.UserCode)

	interval := time.Duration(grant.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		case <-ticker.C:
		}
		token, err := pollDeviceToken(ctx, client, apiBase, grant.DeviceCode)
		if errors.Is(err, bridge.ErrAuthorizationPending) {
			continue
		}
		if err != nil {
			return Config{}, err
		}
		return Config{APIBase: apiBase, AccessToken: token.AccessToken, UserID: token.UserID}, nil
	}
}

func initiateDeviceAuth(ctx context.Context, client *http.Client, apiBase string) (bridge.DeviceAuthGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/auth/device", nil)
	if err != nil {
		return bridge.DeviceAuthGrant{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return bridge.DeviceAuthGrant{}, fmt.Errorf("initiate device auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bridge.DeviceAuthGrant{}, fmt.Errorf("initiate device auth: unexpected status %d", resp.StatusCode)
	}
	var grant bridge.DeviceAuthGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return bridge.DeviceAuthGrant{}, fmt.Errorf("initiate device auth: decode response: %w", err)
	}
	return grant, nil
}

// pollDeviceToken asks for the token once. While the user has not yet
// confirmed the code it returns bridge.ErrAuthorizationPending; any other
// error state reported by the server ends the poll loop.
func pollDeviceToken(ctx context.Context, client *http.Client, apiBase, deviceCode string) (bridge.DeviceToken, error) {
	body, err := json.Marshal(map[string]string{"device_code": deviceCode})
	if err != nil {
		return bridge.DeviceToken{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/auth/token", bytes.NewReader(body))
	if err != nil {
		return bridge.DeviceToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return bridge.DeviceToken{}, fmt.Errorf("poll device token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var token bridge.DeviceToken
		if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
			return bridge.DeviceToken{}, fmt.Errorf("poll device token: decode response: %w", err)
		}
		return token, nil
	}

	var fail struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fail); err != nil || fail.Error == "" {
		return bridge.DeviceToken{}, fmt.Errorf("poll device token: unexpected status %d", resp.StatusCode)
	}
	if fail.Error == bridge.ErrAuthorizationPending.Error() {
		return bridge.DeviceToken{}, bridge.ErrAuthorizationPending
	}
	return bridge.DeviceToken{}, fmt.Errorf("enrollment failed: %s", fail.Error)
}
