package proxy

import "testing"

func TestParseAllowedPortsDefault(t *testing.T) {
	ports := ParseAllowedPorts("")
	if !ports[443] || len(ports) != 1 {
		t.Fatalf("expected default {443}, got %v", ports)
	}
}

func TestParseAllowedPortsMultiple(t *testing.T) {
	ports := ParseAllowedPorts("443 8443 9000")
	for _, p := range []int{443, 8443, 9000} {
		if !ports[p] {
			t.Errorf("expected port %d allowed", p)
		}
	}
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %d", len(ports))
	}
}

func TestTargetPort(t *testing.T) {
	port, err := targetPort("127.0.0.1:443")
	if err != nil || port != 443 {
		t.Fatalf("expected 443, got %d err=%v", port, err)
	}
	if _, err := targetPort("no-port-here"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestConnectionLimiter(t *testing.T) {
	l := newConnectionLimiter(2)
	if !l.acquire("1.2.3.4") {
		t.Fatal("expected first acquire to succeed")
	}
	if !l.acquire("1.2.3.4") {
		t.Fatal("expected second acquire to succeed")
	}
	if l.acquire("1.2.3.4") {
		t.Fatal("expected third acquire to fail (limit=2)")
	}
	l.release("1.2.3.4")
	if !l.acquire("1.2.3.4") {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := newIPRateLimiter(1, 1)
	defer l.Stop()
	if !l.allow("5.6.7.8") {
		t.Fatal("expected first request allowed (burst=1)")
	}
	if l.allow("5.6.7.8") {
		t.Fatal("expected immediate second request denied")
	}
}
