package playctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient wraps HTTP operations against the playwatch daemon API.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIResponse wraps the standard API response format.
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

type APIMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *HTTPClient) Get(path string) ([]byte, error) {
	return c.do("GET", path, nil)
}

func (c *HTTPClient) Post(path string, payload interface{}) ([]byte, error) {
	return c.do("POST", path, payload)
}

func (c *HTTPClient) Delete(path string) ([]byte, error) {
	return c.do("DELETE", path, nil)
}

func (c *HTTPClient) do(method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func (c *HTTPClient) parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("authentication failed. Check your auth token")
		case http.StatusNotFound:
			return fmt.Errorf("resource not found")
		default:
			return fmt.Errorf("server error (status %d)", statusCode)
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed. Check your auth token")
	case http.StatusNotFound:
		return fmt.Errorf("resource not found: %s", apiErr.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("invalid request: %s", apiErr.Error)
	default:
		return fmt.Errorf("server error: %s", apiErr.Error)
	}
}

// ParseResponse unwraps the data field of an API response into target.
func ParseResponse(body []byte, target interface{}) error {
	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	dataBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("failed to process response data: %w", err)
	}

	if err := json.Unmarshal(dataBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}

	return nil
}

// ProgramJSON is a tracked program as reported by the daemon.
type ProgramJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MatchKey     string `json:"match_key"`
	IsRunning    bool   `json:"is_running"`
	TotalSeconds int64  `json:"total_seconds"`
}

// SessionJSON is one session row as reported by the daemon.
type SessionJSON struct {
	ID              string     `json:"id"`
	ProgramID       string     `json:"program_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// AnalyticsResult is a cache read as reported by the daemon.
type AnalyticsResult struct {
	MetricType string          `json:"metric_type"`
	DateKey    string          `json:"date_key"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
}

func ListPrograms(client *HTTPClient) ([]ProgramJSON, error) {
	body, err := client.Get("/api/v1/programs")
	if err != nil {
		return nil, err
	}

	var programs []ProgramJSON
	if err := ParseResponse(body, &programs); err != nil {
		return nil, err
	}
	return programs, nil
}

func AddProgram(client *HTTPClient, name, matchKey string) (*ProgramJSON, error) {
	body, err := client.Post("/api/v1/programs", map[string]string{
		"name":      name,
		"match_key": matchKey,
	})
	if err != nil {
		return nil, err
	}

	var program ProgramJSON
	if err := ParseResponse(body, &program); err != nil {
		return nil, err
	}
	return &program, nil
}

func RemoveProgram(client *HTTPClient, programID string) error {
	_, err := client.Delete("/api/v1/programs/" + url.PathEscape(programID))
	return err
}

func ListSessions(client *HTTPClient, programID string, limit int) ([]SessionJSON, error) {
	path := "/api/v1/programs/" + url.PathEscape(programID) + "/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var sessions []SessionJSON
	if err := ParseResponse(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func GetAnalytics(client *HTTPClient, metric, rng string, refresh bool) (*AnalyticsResult, error) {
	values := url.Values{}
	if rng != "" {
		values.Set("range", rng)
	}
	if refresh {
		values.Set("refresh", "1")
	}

	path := "/api/v1/analytics/" + url.PathEscape(metric)
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var result AnalyticsResult
	if err := ParseResponse(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
