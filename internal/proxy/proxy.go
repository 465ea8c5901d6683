// Package proxy implements the fixed-port TCP listener, per-IP connection
// governance, and the CONNECT-only HTTP/1.1 tunnel to allow-listed local
// ports, speaking over the encrypted framed transport.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rootacite/abyss/internal/transport"
)

// DefaultPort is the fixed port the encrypted tunnel listens on.
const DefaultPort = 4096

// Server accepts AEAD-handshaked connections and tunnels CONNECT traffic
// to allow-listed local ports.
type Server struct {
	Verifier     transport.Verifier
	AllowedPorts map[int]bool
	ln           net.Listener
	rateLimiter  *ipRateLimiter
	connLimiter  *connectionLimiter
}

// NewServer builds a Server. allowedPorts is the set of local ports
// CONNECT may target (env ALLOWED_PORTS, default {443}).
func NewServer(verifier transport.Verifier, allowedPorts map[int]bool) *Server {
	return &Server{
		Verifier:     verifier,
		AllowedPorts: allowedPorts,
		rateLimiter:  newIPRateLimiter(DefaultRateLimit, DefaultBurst),
		connLimiter:  newConnectionLimiter(DefaultMaxConnectionsPerIP),
	}
}

// ListenAndServe binds the fixed proxy port and serves until the listener
// is closed.
func (s *Server) ListenAndServe() error {
	ln, err := listenTCP("tcp", fmt.Sprintf(":%d", DefaultPort))
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections and halts background limiter
// goroutines.
func (s *Server) Close() error {
	s.rateLimiter.Stop()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if ip == "" {
		ip = conn.RemoteAddr().String()
	}

	if !s.rateLimiter.allow(ip) {
		log.Printf("[proxy] rate limit exceeded for %s", ip)
		return
	}
	if !s.connLimiter.acquire(ip) {
		log.Printf("[proxy] connection limit exceeded for %s", ip)
		return
	}
	defer s.connLimiter.release(ip)

	tconn, err := transport.ServerHandshake(conn, s.Verifier)
	if err != nil {
		log.Printf("[proxy] handshake failed for %s", ip)
		return
	}

	if err := s.serveTunnel(tconn); err != nil {
		log.Printf("[proxy] tunnel error for %s: %v", ip, err)
	}
}

// serveTunnel reads exactly one HTTP/1.1 request from the AEAD stream. If
// it is CONNECT host:port with port allow-listed, it dials the local
// upstream and bidirectionally copies until either side closes. Any other
// method, or a disallowed port, is rejected and the connection closes.
func (s *Server) serveTunnel(tconn *transport.Conn) error {
	reader := bufio.NewReader(tconn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	if req.Method != http.MethodConnect {
		writeStatusLine(tconn, "405 Method Not Allowed")
		return nil
	}

	port, err := targetPort(req.Host)
	if err != nil || !s.AllowedPorts[port] {
		writeStatusLine(tconn, "403 Forbidden")
		return nil
	}

	upstream, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		writeStatusLine(tconn, "502 Bad Gateway")
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer upstream.Close()

	if _, err := io.WriteString(tconn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return fmt.Errorf("write established: %w", err)
	}

	return pipe(tconn, upstream)
}

// targetPort extracts and validates the :port suffix of a CONNECT
// authority; only the port is honored, the host is always localhost.
func targetPort(authority string) (int, error) {
	_, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return 0, fmt.Errorf("proxy: malformed authority %q: %w", authority, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("proxy: non-numeric port %q", portStr)
	}
	return port, nil
}

func writeStatusLine(w io.Writer, status string) {
	io.WriteString(w, "HTTP/1.1 "+status+"\r\n\r\n")
}

// pipe bidirectionally copies between the AEAD stream and the upstream
// socket. The loop terminates on the first direction's EOF and closes
// both sides.
func pipe(tconn *transport.Conn, upstream net.Conn) error {
	done := make(chan error, 2)
	go func() {
		// Buffer must be >= transport.MaxChunk: Conn.Read yields exactly
		// one frame's plaintext per call and cannot split it across reads.
		buf := make([]byte, transport.MaxChunk)
		_, err := io.CopyBuffer(upstream, tconn, buf)
		done <- err
	}()
	go func() {
		_, err := io.Copy(tconn, upstream)
		done <- err
	}()
	err := <-done
	upstream.Close()
	return err
}

// ParseAllowedPorts parses the space-separated ALLOWED_PORTS environment
// value into a set, defaulting to {443} when empty.
func ParseAllowedPorts(env string) map[int]bool {
	out := map[int]bool{}
	fields := strings.Fields(env)
	if len(fields) == 0 {
		out[443] = true
		return out
	}
	for _, f := range fields {
		if p, err := strconv.Atoi(f); err == nil {
			out[p] = true
		}
	}
	if len(out) == 0 {
		out[443] = true
	}
	return out
}
