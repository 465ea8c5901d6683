package proxy

import (
	"net"
	"runtime"

	"github.com/valyala/tcplisten"
)

// listenTCP creates a TCP listener for the proxy front end with
// platform-specific optimizations. On Linux, enables
// TCP_DEFER_ACCEPT (filters slowloris-style connects with no follow-up
// data) and TCP_FASTOPEN. Other platforms fall back to net.Listen.
func listenTCP(network, addr string) (net.Listener, error) {
	if network == "tcp" {
		network = "tcp4"
	}
	if runtime.GOOS == "linux" {
		cfg := tcplisten.Config{
			DeferAccept: true,
			FastOpen:    true,
		}
		return cfg.NewListener(network, addr)
	}
	return net.Listen(network, addr)
}
