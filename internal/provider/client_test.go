package provider

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok", WithRetryConfig(RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}))
}

func TestClientCreateFromImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sandboxes" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body createBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %s", err)
		}
		if body.Source == nil || body.Source.SnapshotID != "img-1" {
			t.Errorf("expected snapshot source img-1, got %+v", body.Source)
		}
		if body.Timeout != (45 * time.Minute).Milliseconds() {
			t.Errorf("expected timeout in ms, got %d", body.Timeout)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sandbox":{"id":"sbx-1","status":"running","timeout":2700000,"createdAt":1700000000000}}`))
	})

	sb, err := c.Create(context.Background(), CreateRequest{Source: FromImage("img-1"), Timeout: 45 * time.Minute})
	if err != nil {
		t.Fatalf("create: %s", err)
	}
	if sb.ID != "sbx-1" || sb.Status != StatusRunning {
		t.Errorf("unexpected sandbox %+v", sb)
	}
	if sb.Timeout != 45*time.Minute {
		t.Errorf("expected 45m timeout, got %s", sb.Timeout)
	}
	if !sb.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected created at %s", sb.CreatedAt)
	}
}

func TestClientErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"error":{"code":"not_found","message":"no such snapshot"}}`, ErrNotFound},
		{"gone", http.StatusGone, `{"error":{"code":"snapshot_expired","message":"expired"}}`, ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":"rate_limited","message":"slow down"}}`, ErrRateLimited},
		{"max lifetime", http.StatusBadRequest, `{"error":{"code":"sandbox_max_lifetime","message":"limit"}}`, ErrMaxLifetime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			err := c.ExtendTimeout(context.Background(), "sbx-1", time.Minute)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClientOtherErrorIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	})
	_, err := c.Create(context.Background(), CreateRequest{Source: FromScratch()})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "denied" {
		t.Errorf("unexpected api error %+v", apiErr)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("403 must not map to not found")
	}
}

func TestClientRetriesOnlyGET(t *testing.T) {
	var gets, posts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if gets.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"sandboxes":[{"id":"sbx-1","status":"running","timeout":60000,"createdAt":0}]}`))
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	list, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(list) != 1 || gets.Load() != 3 {
		t.Errorf("expected 1 sandbox after 3 attempts, got %d after %d", len(list), gets.Load())
	}

	if err := c.Stop(context.Background(), "sbx-1"); err == nil {
		t.Fatal("expected stop to fail")
	}
	if posts.Load() != 1 {
		t.Errorf("expected POST to be sent once, got %d", posts.Load())
	}
}

func TestClientRunCommandNonZeroExit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body commandBody
		json.NewDecoder(r.Body).Decode(&body)
		if body.Command != "bash" || !body.Wait {
			t.Errorf("unexpected command body %+v", body)
		}
		w.Write([]byte(`{"command":{"exit_code":2,"stdout":"","stderr":"boom"}}`))
	})

	res, err := c.RunCommand(context.Background(), "sbx-1", Command{Cmd: "bash", Args: []string{"-c", "exit 2"}})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %v", err)
	}
	if cmdErr.Cmd != "bash -c 'exit 2'" {
		t.Errorf("unexpected quoted command %q", cmdErr.Cmd)
	}
	if res == nil || res.Stderr != "boom" {
		t.Errorf("expected result alongside error, got %+v", res)
	}
}

func TestClientWriteFilesSendsTarGzip(t *testing.T) {
	var names []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/gzip" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip: %s", err)
		}
		tr := tar.NewReader(zr)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("tar: %s", err)
			}
			names = append(names, hdr.Name)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.WriteFiles(context.Background(), "sbx-1", []File{
		{Path: "/etc/supervisor/conf.d/a.conf", Content: []byte("a")},
		{Path: "/opt/fleet/run.sh", Content: []byte("b"), Mode: 0o755},
	})
	if err != nil {
		t.Fatalf("write files: %s", err)
	}
	if len(names) != 2 || names[0] != "etc/supervisor/conf.d/a.conf" {
		t.Errorf("unexpected archive entries %v", names)
	}
}

func TestMockProviderCreateMissingImage(t *testing.T) {
	m := NewMockProvider()
	_, err := m.Create(context.Background(), CreateRequest{Source: FromImage("gone")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	m.AddImage("img-1")
	sb, err := m.Create(context.Background(), CreateRequest{Source: FromImage("img-1")})
	if err != nil {
		t.Fatalf("create: %s", err)
	}
	if sb.SourceImageID != "img-1" || sb.Timeout != 45*time.Minute {
		t.Errorf("unexpected sandbox %+v", sb)
	}
}
