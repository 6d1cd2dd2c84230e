package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	httpmod "github.com/NamanBalaji/piecework/pkg/http"
)

func TestGetFilename(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want string
	}{
		{
			name: "Content-Disposition filename",
			resp: &http.Response{
				Header: http.Header{
					"Content-Disposition": []string{`attachment; filename="example.txt"`},
				},
				Request: &http.Request{URL: mustParseURL("http://example.com/ignored")},
			},
			want: "example.txt",
		},
		{
			name: "URL path fallback",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/path/to/file.bin")},
			},
			want: "file.bin",
		},
		{
			name: "URL query filename param",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/download?filename=data.zip")},
			},
			want: "data.zip",
		},
		{
			name: "Default when no path or param",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/")},
			},
			want: "download",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := httpmod.GetFilename(tt.resp)
			if got != tt.want {
				t.Errorf("GetFilename() = %q; want %q", got, tt.want)
			}
		})
	}
}

func mustParseURL(raw string) *url.URL {
	u, _ := url.Parse(raw)
	return u
}

func TestParseLastModified(t *testing.T) {
	valid := "Mon, 02 Jan 2006 15:04:05 GMT"
	parsed := httpmod.ParseLastModified(valid)
	if parsed.IsZero() {
		t.Errorf("ParseLastModified(%q) returned zero time; want non-zero", valid)
	}

	invalid := "Not a date"
	parsed2 := httpmod.ParseLastModified(invalid)
	if !parsed2.IsZero() {
		t.Errorf("ParseLastModified(%q) = %v; want zero time", invalid, parsed2)
	}
}

func TestIsDownloadable(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		url    string
		want   bool
	}{
		{"HTML not downloadable", http.Header{"Content-Type": {"text/html; charset=utf-8"}}, "http://example.com/", false},
		{"Binary downloadable", http.Header{"Content-Type": {"application/octet-stream"}}, "http://example.com/a.bin", true},
		{"Attachment wins over HTML", http.Header{
			"Content-Type":        {"text/html"},
			"Content-Disposition": {`attachment; filename="a.html"`},
		}, "https://example.com/a", true},
		{"No content type", http.Header{}, "http://example.com/a", true},
		{"Unsupported scheme", http.Header{}, "ftp://example.com/a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: tt.header, Request: &http.Request{URL: mustParseURL(tt.url)}}
			if got := httpmod.IsDownloadable(resp); got != tt.want {
				t.Errorf("IsDownloadable() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestClient_Head(t *testing.T) {
	// Handler that returns 200 on HEAD
	okHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	// Handler that returns 404 on HEAD
	notFoundHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}

	tsOK := httptest.NewServer(http.HandlerFunc(okHandler))
	defer tsOK.Close()
	ts404 := httptest.NewServer(http.HandlerFunc(notFoundHandler))
	defer ts404.Close()

	client := httpmod.NewClient()

	t.Run("Head success", func(t *testing.T) {
		resp, err := client.Head(context.Background(), tsOK.URL, map[string]string{"X-Test": "value"})
		if err != nil {
			t.Fatalf("Head() error = %v; want nil", err)
		}
		resp.Body.Close()
	})

	t.Run("Head 404", func(t *testing.T) {
		_, err := client.Head(context.Background(), ts404.URL, nil)
		if !errors.Is(err, httpmod.ErrResourceNotFound) {
			t.Errorf("Head() error = %v; want ErrResourceNotFound", err)
		}
	})
}

func TestClient_Range(t *testing.T) {
	content := []byte("0123456789")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "tester" {
			t.Errorf("User-Agent = %q; want tester", got)
		}
		http.ServeContent(w, r, "digits.txt", time.Time{}, bytes.NewReader(content))
	}))
	defer ts.Close()

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer plain.Close()

	client := httpmod.NewClient(httpmod.WithUserAgent("tester"))

	t.Run("Range supported", func(t *testing.T) {
		resp, err := client.Range(context.Background(), ts.URL, 3, 6, nil)
		if err != nil {
			t.Fatalf("Range() error = %v; want nil", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if string(body) != "3456" {
			t.Errorf("Range() body = %q; want %q", body, "3456")
		}
	})

	t.Run("Range not supported", func(t *testing.T) {
		_, err := client.Range(context.Background(), plain.URL, 0, 0, nil)
		if !errors.Is(err, httpmod.ErrRangesNotSupported) {
			t.Errorf("Range() error = %v; want ErrRangesNotSupported", err)
		}
	})

	t.Run("Range past the end", func(t *testing.T) {
		_, err := client.Range(context.Background(), ts.URL, 20, 30, nil)
		if !errors.Is(err, httpmod.ErrRangesNotSupported) {
			t.Errorf("Range() error = %v; want ErrRangesNotSupported", err)
		}
	})
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{header: "bytes 0-0/1000", start: 0, end: 0, total: 1000},
		{header: "bytes 100-199/*", start: 100, end: 199, total: -1},
		{header: "bytes 5-4/10", wantErr: true},
		{header: "items 0-1/2", wantErr: true},
		{header: "bytes 0-1", wantErr: true},
		{header: "bytes a-1/2", wantErr: true},
	}

	for _, tt := range tests {
		start, end, total, err := httpmod.ParseContentRange(tt.header)
		if tt.wantErr {
			if !errors.Is(err, httpmod.ErrInvalidContentRange) {
				t.Errorf("ParseContentRange(%q) error = %v; want ErrInvalidContentRange", tt.header, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseContentRange(%q) error = %v", tt.header, err)
			continue
		}
		if start != tt.start || end != tt.end || total != tt.total {
			t.Errorf("ParseContentRange(%q) = %d, %d, %d; want %d, %d, %d",
				tt.header, start, end, total, tt.start, tt.end, tt.total)
		}
	}
}

func TestClient_Get(t *testing.T) {
	okHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	notFoundHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}

	tsOK := httptest.NewServer(http.HandlerFunc(okHandler))
	defer tsOK.Close()
	ts404 := httptest.NewServer(http.HandlerFunc(notFoundHandler))
	defer ts404.Close()

	client := httpmod.NewClient()

	t.Run("Get success", func(t *testing.T) {
		resp, err := client.Get(context.Background(), tsOK.URL, nil)
		if err != nil {
			t.Fatalf("Get() error = %v; want nil", err)
		}
		resp.Body.Close()
	})

	t.Run("Get 404", func(t *testing.T) {
		_, err := client.Get(context.Background(), ts404.URL, nil)
		if !errors.Is(err, httpmod.ErrResourceNotFound) {
			t.Errorf("Get() error = %v; want ErrResourceNotFound", err)
		}
	})
}
