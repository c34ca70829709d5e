// Package dropbox implements remote.Remote over the Dropbox HTTP API v2
// upload-session endpoints.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/camsync/internal/remote"
)

// BlockSize is the append size Dropbox requires for concurrent sessions.
const BlockSize = 4 << 20

const (
	DefaultAPIURL     = "https://api.dropboxapi.com/2"
	DefaultContentURL = "https://content.dropboxapi.com/2"
)

// Config configures a Client.
type Config struct {
	Token      string
	APIURL     string
	ContentURL string
	HTTPClient *http.Client
	// Attempts bounds retries of throttled or failed calls (0 means 4).
	Attempts int
}

// Client talks to Dropbox.
type Client struct {
	token      string
	apiURL     string
	contentURL string
	http       *http.Client
	attempts   int
}

var _ remote.Remote = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("dropbox: empty access token")
	}
	c := &Client{
		token:      cfg.Token,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		contentURL: strings.TrimRight(cfg.ContentURL, "/"),
		http:       cfg.HTTPClient,
		attempts:   cfg.Attempts,
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.contentURL == "" {
		c.contentURL = DefaultContentURL
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.attempts < 1 {
		c.attempts = 4
	}
	return c, nil
}

func (c *Client) BlockSize() int64 { return BlockSize }

type cursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

type commitInfo struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type finishArg struct {
	Cursor      cursor     `json:"cursor"`
	Commit      commitInfo `json:"commit"`
	ContentHash string     `json:"content_hash,omitempty"`
}

// StartSession opens a concurrent upload session.
func (c *Client) StartSession(ctx context.Context, _ int64) (string, error) {
	arg := map[string]any{"close": false, "session_type": "concurrent"}
	var res struct {
		SessionID string `json:"session_id"`
	}
	if err := c.content(ctx, c.attempts, "/files/upload_session/start", arg, nil, &res); err != nil {
		return "", fmt.Errorf("upload_session/start: %w", err)
	}
	return res.SessionID, nil
}

// Append uploads data at offset. It makes a single attempt; the uploader
// owns append retries.
func (c *Client) Append(ctx context.Context, sessionID string, offset int64, data []byte, close bool) error {
	arg := struct {
		Cursor cursor `json:"cursor"`
		Close  bool   `json:"close"`
	}{cursor{SessionID: sessionID, Offset: offset}, close}
	if err := c.content(ctx, 1, "/files/upload_session/append_v2", arg, data, nil); err != nil {
		return fmt.Errorf("upload_session/append_v2: %w", err)
	}
	return nil
}

// batchResult is the shape shared by finish_batch and finish_batch/check.
type batchResult struct {
	Tag        string       `json:".tag"`
	AsyncJobID string       `json:"async_job_id"`
	Entries    []batchEntry `json:"entries"`
}

type batchEntry struct {
	Tag         string          `json:".tag"`
	PathDisplay string          `json:"path_display"`
	ContentHash string          `json:"content_hash"`
	Failure     json.RawMessage `json:"failure"`
}

func (e batchEntry) result() remote.EntryResult {
	if e.Tag == "success" {
		return remote.EntryResult{Path: e.PathDisplay, ContentHash: e.ContentHash}
	}
	return remote.EntryResult{Err: fmt.Errorf("dropbox entry %s: %s", e.Tag, summarize(e.Failure))}
}

func entries(raw []batchEntry) []remote.EntryResult {
	out := make([]remote.EntryResult, len(raw))
	for i, e := range raw {
		out[i] = e.result()
	}
	return out
}

// FinishBatch commits up to 1000 closed sessions.
func (c *Client) FinishBatch(ctx context.Context, args []remote.FinishArg) (remote.BatchLaunch, error) {
	req := struct {
		Entries []finishArg `json:"entries"`
	}{Entries: make([]finishArg, len(args))}
	for i, a := range args {
		req.Entries[i] = finishArg{
			Cursor:      cursor{SessionID: a.SessionID, Offset: a.Offset},
			Commit:      commitInfo{Path: a.Path, Mode: "add"},
			ContentHash: a.ContentHash,
		}
	}

	var res batchResult
	if err := c.rpc(ctx, c.attempts, "/files/upload_session/finish_batch", req, &res); err != nil {
		return remote.BatchLaunch{}, fmt.Errorf("upload_session/finish_batch: %w", err)
	}
	switch res.Tag {
	case "async_job_id":
		return remote.BatchLaunch{JobID: res.AsyncJobID}, nil
	case "complete":
		return remote.BatchLaunch{Entries: entries(res.Entries)}, nil
	default:
		return remote.BatchLaunch{}, fmt.Errorf("upload_session/finish_batch: unexpected result %q", res.Tag)
	}
}

// CheckBatch polls an asynchronous finish_batch job once. The finalizer's
// poll loop retries.
func (c *Client) CheckBatch(ctx context.Context, jobID string) (remote.BatchStatus, error) {
	var res batchResult
	if err := c.rpc(ctx, 1, "/files/upload_session/finish_batch/check", map[string]string{"async_job_id": jobID}, &res); err != nil {
		return remote.BatchStatus{}, fmt.Errorf("upload_session/finish_batch/check: %w", err)
	}
	switch res.Tag {
	case "in_progress":
		return remote.BatchStatus{Status: remote.JobInProgress}, nil
	case "complete":
		return remote.BatchStatus{Status: remote.JobComplete, Entries: entries(res.Entries)}, nil
	default:
		return remote.BatchStatus{}, fmt.Errorf("upload_session/finish_batch/check: unexpected result %q", res.Tag)
	}
}

type listEntry struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathDisplay string `json:"path_display"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

type listResult struct {
	Entries []listEntry `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

// List calls fn for every file directly inside dir, following the
// continuation cursor until the listing is exhausted.
func (c *Client) List(ctx context.Context, dir string, fn func(remote.Entry) error) error {
	if dir == "/" {
		dir = ""
	}
	var page listResult
	err := c.rpc(ctx, c.attempts, "/files/list_folder", map[string]any{"path": dir, "recursive": false, "limit": 2000}, &page)
	if err != nil {
		return fmt.Errorf("list_folder %q: %w", dir, err)
	}
	for {
		for _, e := range page.Entries {
			if e.Tag != "file" {
				continue
			}
			if err := fn(remote.Entry{Path: e.PathDisplay, Name: e.Name, ContentHash: e.ContentHash, Size: e.Size}); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
		cur := page.Cursor
		page = listResult{}
		if err := c.rpc(ctx, c.attempts, "/files/list_folder/continue", map[string]string{"cursor": cur}, &page); err != nil {
			return fmt.Errorf("list_folder/continue: %w", err)
		}
	}
}

// rpc posts a JSON argument to the API host and decodes the JSON answer.
func (c *Client) rpc(ctx context.Context, attempts int, endpoint string, arg, out any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("encode argument: %w", err)
	}
	return c.do(ctx, attempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// content posts raw bytes to the content host with the argument in the
// Dropbox-API-Arg header.
func (c *Client) content(ctx context.Context, attempts int, endpoint string, arg any, data []byte, out any) error {
	header, err := headerJSON(arg)
	if err != nil {
		return fmt.Errorf("encode argument: %w", err)
	}
	return c.do(ctx, attempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+endpoint, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Dropbox-API-Arg", header)
		return req, nil
	}, out)
}

// do sends the request built by newReq up to attempts times, retrying
// throttled and server-side failures with exponential backoff (or the
// server's Retry-After).
func (c *Client) do(ctx context.Context, attempts int, newReq func(context.Context) (*http.Request, error), out any) error {
	b := retry.WithMaxRetries(uint64(attempts-1), retry.WithCappedDuration(time.Minute, retry.NewExponential(500*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.once(ctx, newReq, out)
		var apiErr *remote.APIError
		if attempts > 1 && errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			select {
			case <-time.After(apiErr.RetryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil && remote.IsRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, newReq func(context.Context) (*http.Request, error), out any) error {
	req, err := newReq(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response, body []byte) error {
	e := &remote.APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var payload struct {
		ErrorSummary string          `json:"error_summary"`
		Error        json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.ErrorSummary != "" {
		e.Message = payload.ErrorSummary
		e.Code = tagOf(payload.Error)
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func tagOf(raw json.RawMessage) string {
	var t struct {
		Tag string `json:".tag"`
	}
	if json.Unmarshal(raw, &t) == nil {
		return t.Tag
	}
	return ""
}

func summarize(raw json.RawMessage) string {
	if tag := tagOf(raw); tag != "" {
		return tag
	}
	return string(raw)
}

// headerJSON encodes v as JSON with every non-ASCII character escaped, as
// HTTP header values must be ASCII.
func headerJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(raw) {
		if r < 0x80 {
			sb.WriteRune(r)
			continue
		}
		for _, u := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&sb, `\u%04x`, u)
		}
	}
	return sb.String(), nil
}
