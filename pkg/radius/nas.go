package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrUnknownNAS is returned by a registry that has no entry for an address.
var ErrUnknownNAS = errors.New("unknown NAS")

// NAS is a network access server allowed to send accounting.
type NAS struct {
	Identifier string `yaml:"identifier" json:"identifier"`
	Name       string `yaml:"name" json:"name"`
	IP         string `yaml:"ip" json:"ip"`
	Secret     string `yaml:"secret" json:"-"`
}

// NASRegistry looks up NAS devices by source IP.
type NASRegistry interface {
	LookupNAS(ctx context.Context, ip string) (*NAS, error)
}

// StaticRegistry is a fixed set of NAS devices, typically from the config
// file.
type StaticRegistry struct {
	mu    sync.RWMutex
	byIP  map[string]*NAS
	byNet []*netEntry
}

type netEntry struct {
	network *net.IPNet
	nas     *NAS
}

// NewStaticRegistry builds a registry. A NAS IP may be a single address or
// a CIDR block sharing one secret.
func NewStaticRegistry(devices []NAS) (*StaticRegistry, error) {
	r := &StaticRegistry{byIP: make(map[string]*NAS)}
	for i := range devices {
		if err := r.Add(devices[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a NAS.
func (r *StaticRegistry) Add(n NAS) error {
	if n.Secret == "" {
		return fmt.Errorf("NAS %q: secret required", n.IP)
	}
	if n.Name == "" {
		n.Name = n.Identifier
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, network, err := net.ParseCIDR(n.IP); err == nil {
		r.byNet = append(r.byNet, &netEntry{network: network, nas: &n})
		return nil
	}
	ip := net.ParseIP(n.IP)
	if ip == nil {
		return fmt.Errorf("NAS %q: invalid IP address", n.IP)
	}
	r.byIP[ip.String()] = &n
	return nil
}

// LookupNAS implements NASRegistry. Exact addresses win over CIDR blocks.
func (r *StaticRegistry) LookupNAS(_ context.Context, ip string) (*NAS, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n, ok := r.byIP[ip]; ok {
		return n, nil
	}
	parsed := net.ParseIP(ip)
	if parsed != nil {
		for _, e := range r.byNet {
			if e.network.Contains(parsed) {
				return e.nas, nil
			}
		}
	}
	return nil, ErrUnknownNAS
}

// Len returns the number of registered entries.
func (r *StaticRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP) + len(r.byNet)
}

// ChainRegistry asks each registry in turn. The first hit wins. A registry
// error other than ErrUnknownNAS stops the chain.
type ChainRegistry []NASRegistry

// LookupNAS implements NASRegistry.
func (c ChainRegistry) LookupNAS(ctx context.Context, ip string) (*NAS, error) {
	for _, r := range c {
		n, err := r.LookupNAS(ctx, ip)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrUnknownNAS) {
			return nil, err
		}
	}
	return nil, ErrUnknownNAS
}

func hostIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
