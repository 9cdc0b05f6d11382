package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

// TokenSupplier produces a fresh short-lived credential before each
// connection attempt. Failures here feed the reconnection state machine.
type TokenSupplier func(ctx context.Context) (string, error)

// credentialState is the outcome of the out-of-band credential check.
type credentialState int

const (
	credentialValid credentialState = iota
	credentialInvalid
	credentialUnreachable
)

const validateCredentialsPath = "/api/validate-credentials"

// validateCredential posts the last observed credential to the relay's
// validation endpoint. Best effort: any failure to reach the endpoint maps
// to credentialUnreachable and nothing propagates to the caller.
func validateCredential(ctx context.Context, client *http.Client, baseURL, credential, appID, userID string) credentialState {
	body, err := json.Marshal(map[string]string{
		"credential": credential,
		"appId":      appID,
		"userId":     userID,
	})
	if err != nil {
		return credentialUnreachable
	}
	url := strings.TrimSuffix(baseURL, "/") + validateCredentialsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return credentialUnreachable
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return credentialUnreachable
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credentialInvalid
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.Valid {
		return credentialInvalid
	}
	return credentialValid
}
