package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIBase is the realtime endpoint used when the config leaves
// APIBase empty.
const DefaultAPIBase = "https://api.openai.com/v1/realtime"

var httpClient = &http.Client{Timeout: 30 * time.Second}

// ephemeralTokenResponse is the session-creation API response. Only
// the client secret is used.
type ephemeralTokenResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// mintEphemeralToken trades the long-lived API key for a short-lived
// client secret scoped to one session. The SDP exchange authenticates
// with that secret, never the API key.
func mintEphemeralToken(ctx context.Context, apiBase, apiKey, model, voice string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"model": model,
		"voice": voice,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("session creation failed (%d): %s", resp.StatusCode, msg)
	}

	var tokenResp ephemeralTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}
	if tokenResp.ClientSecret.Value == "" {
		return "", fmt.Errorf("session creation returned empty client secret")
	}
	return tokenResp.ClientSecret.Value, nil
}

// exchangeSDP posts the local offer and returns the remote answer SDP.
func exchangeSDP(ctx context.Context, apiBase, token, model, offerSDP string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", apiBase, model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("sdp exchange failed (%d): %s", resp.StatusCode, msg)
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(answer), nil
}
