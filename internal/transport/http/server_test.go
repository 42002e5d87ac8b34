package http

import (
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/rollout/internal/cache"
)

func TestListenSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", LoopbackHost+":0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	ln, err := Listen(port)
	require.NoError(t, err)
	defer ln.Close()

	got := ln.Addr().(*net.TCPAddr)
	assert.Greater(t, got.Port, port)
	assert.True(t, got.IP.IsLoopback())
	assert.Equal(t, fmt.Sprintf("http://%s:%d", LoopbackHost, got.Port), URL(ln))
}

func TestCacheServerServesHealth(t *testing.T) {
	ln, err := Listen(4100)
	require.NoError(t, err)

	e := NewCacheServer(cache.NewStore(), nil, false)
	e.Listener = ln
	go e.Start("")
	defer e.Close()

	req, err := http.NewRequest(http.MethodGet, URL(ln)+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
