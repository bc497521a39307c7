package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrPeerKeyNotFound means the peer has not published a public key yet.
// This is a recoverable condition (the peer must log in and generate keys),
// distinct from a transport failure.
var ErrPeerKeyNotFound = errors.New("peer has no published key")

// Directory is the external public-key directory collaborator.
type Directory interface {
	FetchPublic(ctx context.Context, userID string) (string, error)
	Publish(ctx context.Context, publicKey string) error
}

// HTTPDirectory talks to the key-directory HTTP API with a bearer credential.
type HTTPDirectory struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, token string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDirectory{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, client: client}
}

func (d *HTTPDirectory) FetchPublic(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/keys/"+userID, nil)
	if err != nil {
		return "", fmt.Errorf("directory.FetchPublic: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory.FetchPublic: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrPeerKeyNotFound
	default:
		return "", fmt.Errorf("directory.FetchPublic: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		UserID    string `json:"user_id"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("directory.FetchPublic decode: %w", err)
	}
	if body.PublicKey == "" {
		return "", ErrPeerKeyNotFound
	}
	return body.PublicKey, nil
}

func (d *HTTPDirectory) Publish(ctx context.Context, publicKey string) error {
	payload, err := json.Marshal(map[string]string{"public_key": publicKey})
	if err != nil {
		return fmt.Errorf("directory.Publish marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.baseURL+"/api/keys", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("directory.Publish: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory.Publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory.Publish: unexpected status %d", resp.StatusCode)
	}
	return nil
}
