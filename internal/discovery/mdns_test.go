// ABOUTME: Tests for mDNS server discovery
// ABOUTME: Substitutes the multicast query with canned service entries
package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap/zaptest"
)

func fakeQuery(entries ...*mdns.ServiceEntry) queryFunc {
	return func(ctx context.Context, params *mdns.QueryParam) error {
		for _, e := range entries {
			params.Entries <- e
		}
		return nil
	}
}

func newTestResolver(t *testing.T, q queryFunc) *Resolver {
	r := NewResolver(Config{}, zaptest.NewLogger(t).Sugar())
	r.query = q
	return r
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(Config{}, nil)
	if r.cfg.Service != ServiceType {
		t.Errorf("service = %q, want %q", r.cfg.Service, ServiceType)
	}
	if r.cfg.Timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", r.cfg.Timeout)
	}
}

func TestFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  Server
		ok    bool
	}{
		{
			name:  "ipv4 with path",
			entry: &mdns.ServiceEntry{Name: "Kitchen._sendspin-server._tcp.local.", AddrV4: net.ParseIP("192.168.1.9"), Port: 8927, InfoFields: []string{"path=/stream"}},
			want:  Server{Name: "Kitchen", Host: "192.168.1.9", Port: 8927, Path: "/stream"},
			ok:    true,
		},
		{
			name:  "host fallback and default path",
			entry: &mdns.ServiceEntry{Name: "Den", Host: "den.local.", Port: 8927},
			want:  Server{Name: "Den", Host: "den.local", Port: 8927, Path: "/sendspin"},
			ok:    true,
		},
		{
			name:  "no port",
			entry: &mdns.ServiceEntry{Name: "Broken", AddrV4: net.ParseIP("10.0.0.1")},
			ok:    false,
		},
		{
			name:  "nil",
			entry: nil,
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fromEntry(tt.entry)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBrowseDedupesAndSorts(t *testing.T) {
	r := newTestResolver(t, fakeQuery(
		&mdns.ServiceEntry{Name: "Office", AddrV4: net.ParseIP("10.0.0.2"), Port: 8927},
		&mdns.ServiceEntry{Name: "Attic", AddrV4: net.ParseIP("10.0.0.3"), Port: 8927},
		&mdns.ServiceEntry{Name: "Office", AddrV4: net.ParseIP("10.0.0.2"), Port: 8927},
	))

	servers, err := r.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].Name != "Attic" || servers[1].Name != "Office" {
		t.Errorf("unexpected order: %+v", servers)
	}
}

func TestResolve(t *testing.T) {
	r := newTestResolver(t, fakeQuery(
		&mdns.ServiceEntry{Name: "Living", AddrV4: net.ParseIP("192.168.0.4"), Port: 9000},
	))

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.URL() != "ws://192.168.0.4:9000/sendspin" {
		t.Errorf("url = %s", ep.URL())
	}
}

func TestResolveNoServers(t *testing.T) {
	r := newTestResolver(t, fakeQuery())
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrNoServers) {
		t.Errorf("err = %v, want ErrNoServers", err)
	}
}

func TestBrowseQueryError(t *testing.T) {
	r := newTestResolver(t, func(ctx context.Context, params *mdns.QueryParam) error {
		return errors.New("no multicast")
	})
	if _, err := r.Browse(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestWatchReportsNewServersOnce(t *testing.T) {
	r := newTestResolver(t, fakeQuery(
		&mdns.ServiceEntry{Name: "Office", AddrV4: net.ParseIP("10.0.0.2"), Port: 8927},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	servers := r.Watch(ctx, 10*time.Millisecond)

	select {
	case s := <-servers:
		if s.Name != "Office" {
			t.Errorf("got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no server reported")
	}

	select {
	case s := <-servers:
		t.Fatalf("server reported twice: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	for range servers {
	}
}
