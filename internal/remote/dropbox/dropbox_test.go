package dropbox

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eargollo/camsync/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "tok", APIURL: srv.URL, ContentURL: srv.URL, HTTPClient: srv.Client(), Attempts: 3})
	require.NoError(t, err)
	return c
}

func TestStartAndAppend(t *testing.T) {
	var gotArg string
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/files/upload_session/start":
			require.Contains(t, r.Header.Get("Dropbox-API-Arg"), `"session_type":"concurrent"`)
			io.WriteString(w, `{"session_id":"abc"}`)
		case "/files/upload_session/append_v2":
			gotArg = r.Header.Get("Dropbox-API-Arg")
			gotBody, _ = io.ReadAll(r.Body)
			io.WriteString(w, "null")
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := c.StartSession(t.Context(), 10)
	require.NoError(t, err)
	require.Equal(t, "abc", id)

	require.NoError(t, c.Append(t.Context(), id, 4<<20, []byte("tail"), true))
	require.JSONEq(t, `{"cursor":{"session_id":"abc","offset":4194304},"close":true}`, gotArg)
	require.Equal(t, "tail", string(gotBody))
}

// TestFinishBatchAsync decodes the async launch, an in-progress check and
// the final per-entry results.
func TestFinishBatchAsync(t *testing.T) {
	var checks atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		switch r.URL.Path {
		case "/files/upload_session/finish_batch":
			var req struct {
				Entries []finishArg `json:"entries"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Entries, 2)
			require.Equal(t, "add", req.Entries[0].Commit.Mode)
			require.Equal(t, int64(7), req.Entries[1].Cursor.Offset)
			io.WriteString(w, `{".tag":"async_job_id","async_job_id":"job1"}`)
		case "/files/upload_session/finish_batch/check":
			if checks.Add(1) == 1 {
				io.WriteString(w, `{".tag":"in_progress"}`)
				return
			}
			io.WriteString(w, `{".tag":"complete","entries":[
				{".tag":"success","name":"a.JPG","path_display":"/p/a.JPG","content_hash":"h1"},
				{".tag":"failure","failure":{".tag":"path","path":{".tag":"conflict"}}}]}`)
		}
	})

	launch, err := c.FinishBatch(t.Context(), []remote.FinishArg{
		{SessionID: "s1", Offset: 3, Path: "/p/a.JPG"},
		{SessionID: "s2", Offset: 7, Path: "/p/b.JPG"},
	})
	require.NoError(t, err)
	require.Equal(t, "job1", launch.JobID)

	st, err := c.CheckBatch(t.Context(), "job1")
	require.NoError(t, err)
	require.Equal(t, remote.JobInProgress, st.Status)

	st, err = c.CheckBatch(t.Context(), "job1")
	require.NoError(t, err)
	require.Equal(t, remote.JobComplete, st.Status)
	require.Len(t, st.Entries, 2)
	require.NoError(t, st.Entries[0].Err)
	require.Equal(t, "h1", st.Entries[0].ContentHash)
	require.ErrorContains(t, st.Entries[1].Err, "path")
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"session_id":"abc"}`)
	})
	id, err := c.StartSession(t.Context(), 10)
	require.NoError(t, err)
	require.Equal(t, "abc", id)
	require.Equal(t, int32(3), calls.Load())
}

// TestAppendAndCheckSingleAttempt leaves retries of appends and batch
// checks to their callers.
func TestAppendAndCheckSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.Append(t.Context(), "abc", 0, []byte("data"), false)
	require.Error(t, err)
	require.True(t, remote.IsRetriable(err))
	require.Equal(t, int32(1), calls.Load())

	_, err = c.CheckBatch(t.Context(), "j")
	require.Error(t, err)
	require.True(t, remote.IsRetriable(err))
	require.Equal(t, int32(2), calls.Load())
}

func TestEndpointErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error_summary":"invalid_async_job_id/","error":{".tag":"invalid_async_job_id"}}`)
	})
	_, err := c.CheckBatch(t.Context(), "j")
	var apiErr *remote.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, "invalid_async_job_id", apiErr.Code)
	require.False(t, remote.IsRetriable(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestListFollowsCursor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/list_folder":
			io.WriteString(w, `{"entries":[
				{".tag":"file","name":"a.JPG","path_display":"/p/a.JPG","content_hash":"h1","size":3},
				{".tag":"folder","name":"sub","path_display":"/p/sub"}],
				"cursor":"c1","has_more":true}`)
		case "/files/list_folder/continue":
			body, _ := io.ReadAll(r.Body)
			require.JSONEq(t, `{"cursor":"c1"}`, string(body))
			io.WriteString(w, `{"entries":[{".tag":"file","name":"b.MP4","path_display":"/p/b.MP4","content_hash":"h2","size":9}],"cursor":"c2","has_more":false}`)
		}
	})

	var got []remote.Entry
	err := c.List(t.Context(), "/p", func(e remote.Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []remote.Entry{
		{Path: "/p/a.JPG", Name: "a.JPG", ContentHash: "h1", Size: 3},
		{Path: "/p/b.MP4", Name: "b.MP4", ContentHash: "h2", Size: 9},
	}, got)
}

func TestHeaderJSONEscapesNonASCII(t *testing.T) {
	s, err := headerJSON(map[string]string{"path": "/カメラ/😀.JPG"})
	require.NoError(t, err)
	for _, r := range s {
		require.Less(t, r, rune(0x80))
	}
	var back map[string]string
	require.NoError(t, json.Unmarshal([]byte(s), &back))
	require.Equal(t, "/カメラ/😀.JPG", back["path"])
	require.True(t, strings.Contains(s, `\ud83d\ude00`))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
