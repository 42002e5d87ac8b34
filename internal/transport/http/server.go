// Package http provides the loopback cache server.
package http

import (
	"fmt"
	"net"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/internal/transport/http/cacheapi"
)

// LoopbackHost is the only interface the cache server binds to.
const LoopbackHost = "127.0.0.1"

// maxPortProbes bounds the upward port search.
const maxPortProbes = 100

// NewCacheServer creates and configures the cache server. Request logging is
// only enabled when verbose, so it does not interleave with worker output.
func NewCacheServer(store *cache.Store, feed cacheapi.Feed, verbose bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	if verbose {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	cacheapi.NewHandler(store, feed).RegisterRoutes(e)

	return e
}

// Listen binds a loopback listener on the first free port at or above startPort.
func Listen(startPort int) (net.Listener, error) {
	lastErr := fmt.Errorf("invalid start port")
	for port := startPort; port < startPort+maxPortProbes && port <= 65535; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", LoopbackHost, port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port from %d: %w", startPort, lastErr)
}

// URL returns the base URL for a listener bound by Listen.
func URL(ln net.Listener) string {
	return "http://" + ln.Addr().String()
}
