package authn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type verifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

// RemoteVerifier asks the auth service's /v1/auth/verify endpoint.
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
}

// NewRemoteVerifier takes the auth service base URL without a path.
func NewRemoteVerifier(authBaseURL string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteVerifier{
		client:    client,
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build verify request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// includes context deadline exceeded
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthenticated, e.Error)
	default:
		return Identity{}, fmt.Errorf("%w: verify status %d", ErrUpstream, resp.StatusCode)
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: invalid verify response: %v", ErrUpstream, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
