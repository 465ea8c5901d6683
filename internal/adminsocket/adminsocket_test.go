package adminsocket

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func testDeps() *Deps {
	return &Deps{
		Init:    func(params []string) Response { return Response{Head: 200, Params: []string{"init-ok"}} },
		UserAdd: func(params []string) Response { return Response{Head: 200, Params: []string{"key-material"}} },
		Include: func(params []string) Response { return Response{Head: 200} },
		Chmod:   func(params []string) Response { return Response{Head: 200} },
		List:    func(params []string) Response { return Response{Head: 200, Params: params} },
	}
}

func roundTrip(t *testing.T, addr string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	encoded, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := DecodeResponse(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func startServer(t *testing.T, deps *Deps) (*Server, string) {
	t.Helper()
	sock := t.TempDir() + "/abyss-ctl.sock"
	srv := NewServer(sock, deps)
	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, sock
}

func TestHelloHandler(t *testing.T) {
	_, sock := startServer(t, testDeps())
	resp := roundTrip(t, sock, Request{Head: HeadHello})
	if resp.Head != 200 || len(resp.Params) != 1 || resp.Params[0] != "hello" {
		t.Fatalf("unexpected hello response: %+v", resp)
	}
}

func TestUnknownHeadCode(t *testing.T) {
	_, sock := startServer(t, testDeps())
	resp := roundTrip(t, sock, Request{Head: 999})
	if resp.Head != HeadUnknown {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestDispatchesToEachHandler(t *testing.T) {
	_, sock := startServer(t, testDeps())

	cases := []struct {
		head int
		want []string
	}{
		{HeadInit, []string{"init-ok"}},
		{HeadUserAdd, []string{"key-material"}},
		{HeadInclude, nil},
		{HeadChmod, nil},
		{HeadList, []string{"a", "b"}},
	}
	for _, c := range cases {
		resp := roundTrip(t, sock, Request{Head: c.head, Params: c.want})
		if resp.Head != 200 {
			t.Fatalf("head %d: expected 200, got %+v", c.head, resp)
		}
		if len(resp.Params) != len(c.want) {
			t.Fatalf("head %d: expected params %v, got %v", c.head, c.want, resp.Params)
		}
		for i := range c.want {
			if resp.Params[i] != c.want[i] {
				t.Fatalf("head %d: expected params %v, got %v", c.head, c.want, resp.Params)
			}
		}
	}
}

func TestMalformedRequestYieldsBadRequest(t *testing.T) {
	_, addr := startServer(t, testDeps())

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not-base64!!\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := DecodeResponse(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Head != 400 {
		t.Fatalf("expected 400, got %+v", resp)
	}
}
