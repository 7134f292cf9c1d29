package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/stbcache/internal/api/admin"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	AdminURL  string `yaml:"admin_url"`
	Group     string `yaml:"group"`
	Port      int    `yaml:"port"`
	Interface string `yaml:"interface"`
	TTL       int    `yaml:"ttl"`
	Bitrate   int64  `yaml:"bitrate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		AdminURL: "http://localhost:8081",
		Group:    "239.255.1.1",
		Port:     5001,
		TTL:      1,
		Bitrate:  8_000_000,
	}
}

// configPath returns the path to the config file.
func configPath() string {
	if p := os.Getenv("STBCACHE_CLI_CONFIG"); p != "" {
		return p
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stbcache", "cli.yaml")
}

// LoadConfig loads the configuration from file or environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	// Try to load from file
	data, err := os.ReadFile(configPath())
	if err == nil {
		err := yaml.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	// Override with environment variables
	if adminURL := os.Getenv("STBCACHE_ADMIN_URL"); adminURL != "" {
		cfg.AdminURL = adminURL
	}

	if group := os.Getenv("STBCACHE_GROUP"); group != "" {
		cfg.Group = group
	}

	if port := os.Getenv("STBCACHE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid STBCACHE_PORT: %w", err)
		}
		cfg.Port = p
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	// Create directory if needed
	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// AdminClient calls the daemon's admin API.
type AdminClient struct {
	http    *http.Client
	baseURL string
}

// NewAdminClient creates a client from the configuration.
func NewAdminClient() (*AdminClient, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.AdminURL == "" {
		return nil, errors.New("admin url not configured. Use 'stbcache-cli config set admin-url <url>' or set STBCACHE_ADMIN_URL")
	}

	return &AdminClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimSuffix(cfg.AdminURL, "/") + "/api/v1",
	}, nil
}

// Stats fetches cache statistics.
func (c *AdminClient) Stats(ctx context.Context) (*admin.StatsResponse, error) {
	var resp admin.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/cache/stats", http.StatusOK, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Entries lists cached objects.
func (c *AdminClient) Entries(ctx context.Context, prefix string, limit int) (*admin.EntriesResponse, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/cache/entries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp admin.EntriesResponse
	if err := c.do(ctx, http.MethodGet, path, http.StatusOK, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Purge removes one object.
func (c *AdminClient) Purge(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/cache/entries/"+strings.TrimPrefix(key, "/"), http.StatusNoContent, nil)
}

// Sweep runs an eviction pass.
func (c *AdminClient) Sweep(ctx context.Context) (*sweeper.Result, error) {
	var res sweeper.Result
	if err := c.do(ctx, http.MethodPost, "/cache/sweep", http.StatusOK, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("admin api: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("admin api: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("admin api: invalid response: %w", err)
	}

	return nil
}

// FormatSize formats a byte size to human-readable format.
func FormatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case size >= TB:
		return fmt.Sprintf("%.2f TB", float64(size)/TB)
	case size >= GB:
		return fmt.Sprintf("%.2f GB", float64(size)/GB)
	case size >= MB:
		return fmt.Sprintf("%.2f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.2f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d B", size)
	}
}
