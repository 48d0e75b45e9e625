package tui

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/tunnelboard/internal/api"
	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/lifecycle"
)

// ErrUnauthorized is returned when the daemon rejects the access token and
// no password is available to log in again.
var ErrUnauthorized = errors.New("unauthorized: a password is set on the daemon")

// Health is the /healthz response.
type Health struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// RemoteBackend reads daemon state over the HTTP API
type RemoteBackend struct {
	BaseURL string
	Client  *http.Client

	mu       sync.Mutex
	password string
	token    string
}

// NewRemoteBackend creates a new remote backend
func NewRemoteBackend(baseURL string, insecure bool) *RemoteBackend {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
	}

	return &RemoteBackend{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

func (b *RemoteBackend) do(method, path string, body any) (*http.Response, error) {
	url := b.BaseURL + path
	log.Printf("REQ %s %s", method, url)
	start := time.Now()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", brand.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.mu.Lock()
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	b.mu.Unlock()

	resp, err := b.Client.Do(req)
	if err != nil {
		log.Printf("ERR %s %s (%s): %v", method, url, time.Since(start), err)
		return nil, err
	}
	log.Printf("RES %s %s %d (%s)", method, url, resp.StatusCode, time.Since(start))
	return resp, nil
}

// Login exchanges password for an access token. The password is kept so
// an expired token can be replaced transparently.
func (b *RemoteBackend) Login(password string) error {
	resp, err := b.do("POST", "/api/auth/login", map[string]string{"password": password})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	var tok api.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	b.mu.Lock()
	b.password = password
	b.token = tok.AccessToken
	b.mu.Unlock()
	return nil
}

// GetSettings returns both entry lists with their runtime state.
func (b *RemoteBackend) GetSettings() (*lifecycle.Settings, error) {
	var s lifecycle.Settings
	if err := b.getJSON("/api/settings", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetHealth returns the daemon's health summary.
func (b *RemoteBackend) GetHealth() (*Health, error) {
	var h Health
	if err := b.getJSON("/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *RemoteBackend) getJSON(path string, dest any) error {
	resp, err := b.do("GET", path, nil)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		b.mu.Lock()
		password := b.password
		b.mu.Unlock()
		if password == "" {
			return ErrUnauthorized
		}
		if err := b.Login(password); err != nil {
			return err
		}
		if resp, err = b.do("GET", path, nil); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func apiError(resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("api error: %s", resp.Status)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w (%s)", ErrUnauthorized, e.Error)
	}
	return fmt.Errorf("api error: %s: %s", resp.Status, e.Error)
}
