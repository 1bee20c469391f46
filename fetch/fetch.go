package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Error reports a failed download. It always names the source URL.
type Error struct {
	URL        string
	StatusCode int // 0 when the server never answered
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("error downloading file: %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("error downloading file: %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher using client, or http.DefaultClient when nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// Fetch streams the body of GET url into dest. dest is created (or
// truncated) before the first byte arrives and may be left behind on
// failure; the caller owns its removal.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return &Error{URL: url, Err: err}
	}
	if err := out.Close(); err != nil {
		return &Error{URL: url, Err: err}
	}
	return nil
}
