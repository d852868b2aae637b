package mcp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boardServer serves a minimal device management API backed by a map.
func boardServer(t *testing.T) (*httptest.Server, map[string]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	files := map[string]string{"/boot.txt": "count=3"}

	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, code int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
	mux.HandleFunc("GET /api/device/info", func(w http.ResponseWriter, r *http.Request) {
		reply(w, 200, `{"ok":true,"name":"bench","chipModel":"ESP32-S3","freeHeap":123456,"uptimeMs":5000}`)
	})
	mux.HandleFunc("POST /api/device/restart", func(w http.ResponseWriter, r *http.Request) {
		reply(w, 200, `{"ok":true,"message":"Restarting in 1 second..."}`)
	})
	mux.HandleFunc("GET /api/spiffs/list", func(w http.ResponseWriter, r *http.Request) {
		reply(w, 200, `{"ok":true,"path":"/","files":[{"name":"boot.txt","size":7,"isDir":false}]}`)
	})
	mux.HandleFunc("GET /api/spiffs/read", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		content, ok := files[r.URL.Query().Get("path")]
		if !ok {
			reply(w, 404, `{"ok":false,"error":"File not found"}`)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, content)
	})
	mux.HandleFunc("POST /api/spiffs/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		files[r.URL.Query().Get("path")] = string(body)
		mu.Unlock()
		reply(w, 200, `{"ok":true,"path":"`+r.URL.Query().Get("path")+`","written":5}`)
	})
	mux.HandleFunc("DELETE /api/spiffs/delete", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		delete(files, r.URL.Query().Get("path"))
		reply(w, 200, `{"ok":true}`)
	})
	mux.HandleFunc("GET /api/spiffs/info", func(w http.ResponseWriter, r *http.Request) {
		reply(w, 200, `{"ok":true,"totalBytes":1000,"usedBytes":250,"freeBytes":750}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, files, &mu
}

func TestHandleDeviceInfo(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	board, _, _ := boardServer(t)
	srv.WithDevice(board.URL, 0)

	result, err := srv.handleDeviceInfo(context.Background(), callToolReq("device_info", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var info struct {
		ChipModel string `json:"chipModel"`
		FreeHeap  int64  `json:"freeHeap"`
	}
	resultJSON(t, result, &info)
	assert.Equal(t, "ESP32-S3", info.ChipModel)
	assert.Equal(t, int64(123456), info.FreeHeap)
}

func TestHandleDeviceInfo_NoURL(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	result, err := srv.handleDeviceInfo(context.Background(), callToolReq("device_info", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "device.url")
}

func TestHandleDeviceRestart_URLArgument(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	board, _, _ := boardServer(t)

	result, err := srv.handleDeviceRestart(context.Background(), callToolReq("device_restart", map[string]any{"url": board.URL}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Restarting")
}

func TestHandleSpiffsTools(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	board, files, mu := boardServer(t)
	srv.WithDevice(board.URL, 0)
	ctx := context.Background()

	result, err := srv.handleSpiffsList(ctx, callToolReq("device_spiffs_list", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "boot.txt")

	result, err = srv.handleSpiffsWrite(ctx, callToolReq("device_spiffs_write", map[string]any{
		"path": "/wifi.txt", "content": "ssid=",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	mu.Lock()
	assert.Equal(t, "ssid=", files["/wifi.txt"])
	mu.Unlock()

	result, err = srv.handleSpiffsRead(ctx, callToolReq("device_spiffs_read", map[string]any{"path": "boot.txt"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "count=3", resultText(t, result))

	result, err = srv.handleSpiffsDelete(ctx, callToolReq("device_spiffs_delete", map[string]any{"path": "/wifi.txt"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	result, err = srv.handleSpiffsRead(ctx, callToolReq("device_spiffs_read", map[string]any{"path": "/wifi.txt"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "File not found")

	result, err = srv.handleSpiffsInfo(ctx, callToolReq("device_spiffs_info", nil))
	require.NoError(t, err)
	var info struct {
		FreeBytes int64 `json:"freeBytes"`
	}
	resultJSON(t, result, &info)
	assert.Equal(t, int64(750), info.FreeBytes)
}

func TestHandleSpiffsRead_MissingPath(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	srv.WithDevice("http://127.0.0.1:1", 0)

	result, err := srv.handleSpiffsRead(context.Background(), callToolReq("device_spiffs_read", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "path")
}
