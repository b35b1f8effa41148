package admission

import (
	"net"
	"testing"
	"time"
)

func TestCheckAllowedIPBypasses(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	tr := New(Config{AllowedIPs: []net.IP{ip}, RateLimit: 1, RateBurst: 0})
	if got := tr.Check(ip); got != Allowed {
		t.Fatalf("expected Allowed, got %v", got)
	}
}

func TestCheckStaticBan(t *testing.T) {
	ip := net.ParseIP("10.0.0.2")
	tr := New(Config{BannedIPs: []net.IP{ip}})
	if got := tr.Check(ip); got != Banned {
		t.Fatalf("expected Banned, got %v", got)
	}
}

func TestCheckBannedCIDR(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("192.168.0.0/16")
	ip := net.ParseIP("192.168.1.5")
	tr := New(Config{BannedCIDRs: []*net.IPNet{cidr}})
	if got := tr.Check(ip); got != Banned {
		t.Fatalf("expected Banned, got %v", got)
	}
}

func TestCheckRateLimited(t *testing.T) {
	ip := net.ParseIP("10.0.0.3")
	tr := New(Config{RateLimit: 1, RateBurst: 1})
	if got := tr.Check(ip); got != Allowed {
		t.Fatalf("first check expected Allowed, got %v", got)
	}
	if got := tr.Check(ip); got != RateLimited {
		t.Fatalf("second immediate check expected RateLimited, got %v", got)
	}
}

func TestCheckMaxConnectionsPerIP(t *testing.T) {
	ip := net.ParseIP("10.0.0.4")
	tr := New(Config{MaxConnectionsPerIP: 1, RateBurst: 100})
	tr.Check(ip)
	tr.RecordConnect(ip)
	if got := tr.Check(ip); got != MaxConnectionsExceeded {
		t.Fatalf("expected MaxConnectionsExceeded, got %v", got)
	}
}

func TestFlappingBanAfterMaxDisconnects(t *testing.T) {
	ip := net.ParseIP("10.0.0.5")
	tr := New(Config{
		RateBurst:       100,
		FlappingEnabled: true,
		FlapMaxCount:    3,
		FlapWindow:      time.Minute,
		FlapBanTime:     5 * time.Minute,
	})
	for i := 0; i < 3; i++ {
		tr.Check(ip)
		tr.RecordConnect(ip)
		tr.RecordDisconnect(ip)
	}
	if got := tr.Check(ip); got != Banned {
		t.Fatalf("expected Banned after 3 disconnects within window, got %v", got)
	}
}

func TestCleanupRemovesStaleIdleEntries(t *testing.T) {
	ip := net.ParseIP("10.0.0.6")
	tr := New(Config{RateBurst: 10, CleanupInterval: time.Millisecond})
	tr.Check(ip)
	time.Sleep(5 * time.Millisecond)
	tr.Cleanup()
	tr.mu.Lock()
	_, exists := tr.ipStates[ip.String()]
	tr.mu.Unlock()
	if exists {
		t.Fatal("expected stale idle entry to be garbage collected")
	}
}
