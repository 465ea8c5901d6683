// Package adminsocket implements the admin control socket: a
// base64(JSON)-framed request/response protocol over a filesystem stream
// socket, dispatching to handlers through a compile-time registration
// table rather than reflective handler discovery.
package adminsocket

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/google/uuid"
)

// Head codes identify the admin request/response kind on the wire.
const (
	HeadHello    = 100
	HeadInit     = 103
	HeadUserAdd  = 104
	HeadInclude  = 105
	HeadChmod    = 106
	HeadList     = 107
	HeadUnknown  = 400
)

// Request is one decoded admin-socket message.
type Request struct {
	Head   int      `json:"head"`
	Params []string `json:"params"`
}

// Response is the wire reply to a Request.
type Response struct {
	Head   int      `json:"head"`
	Params []string `json:"params"`
}

// HandlerFunc executes one admin request against Deps and returns the
// response to send back.
type HandlerFunc func(d *Deps, params []string) Response

// Deps bundles the service handles admin handlers call through; it is
// passed explicitly rather than held in module globals.
type Deps struct {
	Init     func(params []string) Response
	UserAdd  func(params []string) Response
	Include  func(params []string) Response
	Chmod    func(params []string) Response
	List     func(params []string) Response
}

// dispatch is the static head-code -> handler table, built once at package
// init, replacing the reflective scanning the original design used.
var dispatch = map[int]HandlerFunc{
	HeadHello: func(d *Deps, params []string) Response {
		return Response{Head: 200, Params: []string{"hello"}}
	},
	HeadInit:    func(d *Deps, params []string) Response { return d.Init(params) },
	HeadUserAdd: func(d *Deps, params []string) Response { return d.UserAdd(params) },
	HeadInclude: func(d *Deps, params []string) Response { return d.Include(params) },
	HeadChmod:   func(d *Deps, params []string) Response { return d.Chmod(params) },
	HeadList:    func(d *Deps, params []string) Response { return d.List(params) },
}

// Server serves admin requests on a Unix domain socket.
type Server struct {
	SocketPath string
	Deps       *Deps
	ln         net.Listener
}

// NewServer builds a Server bound to socketPath (e.g. $TMPDIR/abyss-ctl.sock).
func NewServer(socketPath string, deps *Deps) *Server {
	return &Server{SocketPath: socketPath, Deps: deps}
}

// ListenAndServe removes any stale socket file, binds, and serves one
// request/response pair per accepted connection until the listener closes.
func (s *Server) ListenAndServe() error {
	os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("adminsocket: listen: %w", err)
	}
	// Filesystem permissions on the socket are the trust boundary for this
	// control plane: restrict to owner-only access.
	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		log.Printf("[adminsocket] warning: chmod socket: %v", err)
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

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reqID := uuid.NewString()

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		log.Printf("[adminsocket %s] read error: %v", reqID, err)
		return
	}
	line = trimNewline(line)

	resp := s.process(line)
	encoded, err := encodeResponse(resp)
	if err != nil {
		log.Printf("[adminsocket %s] encode error: %v", reqID, err)
		return
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		log.Printf("[adminsocket %s] write error: %v", reqID, err)
	}
}

func (s *Server) process(line []byte) Response {
	raw, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return Response{Head: 400}
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Head: 400}
	}
	handler, ok := dispatch[req.Head]
	if !ok {
		return Response{Head: HeadUnknown}
	}
	return handler(s.Deps, req.Params)
}

func encodeResponse(r Response) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// EncodeRequest is exported for abyssctl's client use.
func EncodeRequest(r Request) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeResponse is exported for abyssctl's client use.
func DecodeResponse(line []byte) (Response, error) {
	raw, err := base64.StdEncoding.DecodeString(string(trimNewline(line)))
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
