// ABOUTME: mDNS browsing for Sendspin servers
// ABOUTME: Resolves candidate endpoints for the connection manager
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/Sendspin/sendspin-native/internal/connection"
)

// ServiceType is the service servers advertise
const ServiceType = "_sendspin-server._tcp"

var ErrNoServers = errors.New("no sendspin servers found")

// Config holds discovery configuration
type Config struct {
	Service string
	Domain  string
	Timeout time.Duration // per query round
}

// DefaultConfig browses the local domain for one second
func DefaultConfig() Config {
	return Config{
		Service: ServiceType,
		Domain:  "local",
		Timeout: time.Second,
	}
}

// Server describes a discovered server
type Server struct {
	Name string
	Host string
	Port int
	Path string
}

// Endpoint returns the address to dial
func (s Server) Endpoint() connection.Endpoint {
	return connection.Endpoint{Host: s.Host, Port: s.Port, Path: s.Path}
}

type queryFunc func(ctx context.Context, params *mdns.QueryParam) error

// Resolver finds servers on the local network
type Resolver struct {
	cfg    Config
	logger *zap.SugaredLogger
	query  queryFunc
}

// NewResolver creates a resolver
func NewResolver(cfg Config, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.Service == "" {
		cfg.Service = def.Service
	}
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger.Named("discovery"),
		query:  mdns.QueryContext,
	}
}

// Browse runs one query round and returns the servers that answered,
// ordered by name
func (r *Resolver) Browse(ctx context.Context) ([]Server, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	seen := make(map[string]Server)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			server, ok := fromEntry(entry)
			if !ok {
				continue
			}
			key := net.JoinHostPort(server.Host, fmt.Sprint(server.Port))
			if _, dup := seen[key]; !dup {
				r.logger.Debugw("Discovered server", "name", server.Name, "host", server.Host, "port", server.Port)
			}
			seen[key] = server
		}
	}()

	params := &mdns.QueryParam{
		Service: r.cfg.Service,
		Domain:  r.cfg.Domain,
		Timeout: r.cfg.Timeout,
		Entries: entries,
		Logger:  zap.NewStdLog(r.logger.Desugar()),
	}
	err := r.query(ctx, params)
	close(entries)
	wg.Wait()

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}

	servers := make([]Server, 0, len(seen))
	for _, s := range seen {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name != servers[j].Name {
			return servers[i].Name < servers[j].Name
		}
		return servers[i].Host < servers[j].Host
	})
	return servers, ctx.Err()
}

// Resolve returns the first server found
func (r *Resolver) Resolve(ctx context.Context) (connection.Endpoint, error) {
	servers, err := r.Browse(ctx)
	if err != nil {
		return connection.Endpoint{}, err
	}
	if len(servers) == 0 {
		return connection.Endpoint{}, ErrNoServers
	}
	r.logger.Infow("Resolved server", "name", servers[0].Name, "endpoint", servers[0].Endpoint().String())
	return servers[0].Endpoint(), nil
}

// Watch browses every interval and reports servers not seen before
// until ctx ends
func (r *Resolver) Watch(ctx context.Context, interval time.Duration) <-chan Server {
	out := make(chan Server, 10)

	go func() {
		defer close(out)
		known := make(map[string]bool)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			servers, err := r.Browse(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warnw("Browse failed", "error", err)
			}
			for _, s := range servers {
				key := s.Endpoint().Addr()
				if known[key] {
					continue
				}
				known[key] = true
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func fromEntry(entry *mdns.ServiceEntry) (Server, bool) {
	if entry == nil || entry.Port <= 0 {
		return Server{}, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6IPAddr != nil:
		host = entry.AddrV6IPAddr.IP.String()
	default:
		host = strings.TrimSuffix(entry.Host, ".")
	}
	if host == "" {
		return Server{}, false
	}

	path := connection.DefaultPath
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok && v != "" {
			path = v
		}
	}

	name := entry.Name
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}

	return Server{Name: name, Host: host, Port: entry.Port, Path: path}, true
}
