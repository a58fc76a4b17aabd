package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient is the part of *http.Client the admin client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrStatus is wrapped by GetJSON for non-2xx responses.
var ErrStatus = errors.New("unexpected http status")

const maxErrorBody = 512

// GetJSON fetches url and decodes the JSON body into v. A {"error": ...}
// body on a failed request is folded into the returned error.
func GetJSON(ctx context.Context, c HTTPClient, url string, v any) error {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("get %s: %w %d: %s", url, ErrStatus, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
