package device

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBoard mimics the board's management API over an in-memory file map.
type fakeBoard struct {
	mu        sync.Mutex
	files     map[string]string
	restarted bool
}

func newFakeBoard(t *testing.T) (*fakeBoard, *Client) {
	t.Helper()
	b := &fakeBoard{files: map[string]string{
		"/config.json": `{"ssid":"lab"}`,
		"/log.txt":     "boot 1\nboot 2\n",
	}}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	return b, c
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func (b *fakeBoard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/device/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"ok":true,"name":"bench","type":"ESP32-WROOM-32","chipModel":"ESP32-D0WDQ6","chipRevision":1,"cpuFreqMHz":240,"heapSize":327680,"freeHeap":250000,"minFreeHeap":200000,"sdkVersion":"v4.4.5","flashChipSize":4194304,"sketchSize":900000,"freeSketchSpace":1966080,"macAddress":"24:6F:28:AA:BB:CC","uptimeMs":61500}`)
	})
	mux.HandleFunc("POST /api/device/restart", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.restarted = true
		b.mu.Unlock()
		writeJSON(w, 200, `{"ok":true,"message":"Restarting in 1 second..."}`)
	})
	mux.HandleFunc("GET /api/spiffs/list", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		var parts []string
		for name, content := range b.files {
			parts = append(parts, `{"name":"`+strings.TrimPrefix(name, "/")+`","size":`+strconv.Itoa(len(content))+`,"isDir":false}`)
		}
		writeJSON(w, 200, `{"ok":true,"path":"`+r.URL.Query().Get("path")+`","files":[`+strings.Join(parts, ",")+`]}`)
	})
	mux.HandleFunc("GET /api/spiffs/read", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		path := r.URL.Query().Get("path")
		content, ok := b.files[path]
		if !ok {
			writeJSON(w, 404, `{"ok":false,"error":"File not found"}`)
			return
		}
		if strings.HasSuffix(path, ".json") {
			writeJSON(w, 200, `{"ok":true,"path":"`+path+`","content":"`+strings.ReplaceAll(content, `"`, `\"`)+`"}`)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, content)
	})
	mux.HandleFunc("POST /api/spiffs/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		path := r.URL.Query().Get("path")
		if path == "" {
			writeJSON(w, 400, `{"ok":false,"error":"path parameter required"}`)
			return
		}
		b.mu.Lock()
		b.files[path] = string(body)
		b.mu.Unlock()
		writeJSON(w, 200, `{"ok":true,"path":"`+path+`","written":`+strconv.Itoa(len(body))+`}`)
	})
	mux.HandleFunc("DELETE /api/spiffs/delete", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		path := r.URL.Query().Get("path")
		if _, ok := b.files[path]; !ok {
			writeJSON(w, 404, `{"ok":false,"error":"File not found"}`)
			return
		}
		delete(b.files, path)
		writeJSON(w, 200, `{"ok":true,"path":"`+path+`"}`)
	})
	mux.HandleFunc("GET /api/spiffs/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"ok":true,"totalBytes":1378241,"usedBytes":502,"freeBytes":1377739}`)
	})
	return mux
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "full url", in: "http://192.168.4.1/", want: "http://192.168.4.1"},
		{name: "bare host", in: "esp32.local:8080", want: "http://esp32.local:8080"},
		{name: "empty", in: "  ", wantErr: true},
		{name: "no host", in: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.in, 0)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.BaseURL())
			assert.Equal(t, DefaultTimeout, c.http.Timeout)
		})
	}
}

func TestInfo(t *testing.T) {
	_, c := newFakeBoard(t)

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bench", info.Name)
	assert.Equal(t, "ESP32-D0WDQ6", info.ChipModel)
	assert.Equal(t, 240, info.CPUFreqMHz)
	assert.Equal(t, int64(250000), info.FreeHeap)
	assert.Equal(t, "24:6F:28:AA:BB:CC", info.MACAddress)
	assert.Equal(t, 61500*time.Millisecond, info.Uptime())
}

func TestRestart(t *testing.T) {
	b, c := newFakeBoard(t)

	msg, err := c.Restart(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "Restarting")
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.restarted)
}

func TestFileLifecycle(t *testing.T) {
	_, c := newFakeBoard(t)
	ctx := context.Background()

	res, err := c.Write(ctx, "wifi.txt", []byte("ssid=lab\n"))
	require.NoError(t, err)
	assert.Equal(t, "/wifi.txt", res.Path)
	assert.Equal(t, int64(9), res.Written)

	data, err := c.Read(ctx, "/wifi.txt")
	require.NoError(t, err)
	assert.Equal(t, "ssid=lab\n", string(data))

	l, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "/", l.Path)
	names := make([]string, 0, len(l.Files))
	for _, f := range l.Files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"config.json", "log.txt", "wifi.txt"}, names)

	require.NoError(t, c.Delete(ctx, "wifi.txt"))
	_, err = c.Read(ctx, "wifi.txt")
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, "File not found", reqErr.Message)
}

func TestRead_UnwrapsJSONFiles(t *testing.T) {
	_, c := newFakeBoard(t)

	data, err := c.Read(context.Background(), "config.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ssid":"lab"}`, string(data))
}

func TestDelete_Missing(t *testing.T) {
	_, c := newFakeBoard(t)

	err := c.Delete(context.Background(), "/nope.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "File not found")
}

func TestFileOps_RequirePath(t *testing.T) {
	_, c := newFakeBoard(t)
	ctx := context.Background()

	_, err := c.Read(ctx, "/")
	assert.Error(t, err)
	_, err = c.Write(ctx, "", []byte("x"))
	assert.Error(t, err)
	assert.Error(t, c.Delete(ctx, " "))
}

func TestStorage(t *testing.T) {
	_, c := newFakeBoard(t)

	s, err := c.Storage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1378241), s.TotalBytes)
	assert.Equal(t, s.TotalBytes-s.UsedBytes, s.FreeBytes)
}

func TestOKFalseWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"ok":false,"error":"SPIFFS not mounted"}`)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Storage(context.Background())
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "SPIFFS not mounted", reqErr.Message)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, 200*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Info(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/api/device/info")
}
