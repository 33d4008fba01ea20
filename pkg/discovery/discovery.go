// Package discovery finds Baichuan-capable cameras and NVRs on the local
// network via mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v2"

	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// mDNS constants.
const (
	// ServiceType is the mDNS service cameras advertise.
	ServiceType = "_baichuan._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// BrowseTimeout is the default timeout for browse operations.
	BrowseTimeout = 10 * time.Second
)

// Service is one discovered camera or NVR.
type Service struct {
	// InstanceName is the advertised instance name.
	InstanceName string

	// Host is the advertised hostname.
	Host string

	// Addresses are the resolved IP addresses.
	Addresses []string

	// Port is the Baichuan TCP port (wire.DefaultPort unless overridden).
	Port uint16

	// Model is the device model from the TXT record, if present.
	Model string
}

// Address returns a dialable host:port for the service.
func (s *Service) Address() string {
	if len(s.Addresses) == 0 {
		return ""
	}
	port := s.Port
	if port == 0 {
		port = wire.DefaultPort
	}
	return net.JoinHostPort(s.Addresses[0], fmt.Sprintf("%d", port))
}

// BrowserConfig configures browsing.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	// Empty means all interfaces.
	Interface string
}

// Browser browses the LAN for Baichuan services.
type Browser struct {
	config BrowserConfig
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	return &Browser{config: config}
}

// Browse emits discovered services until the context is cancelled.
// Services seen on multiple interfaces are aggregated by instance name.
func (b *Browser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)

		seen := make(map[string]*Service)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := entryToService(entry)
				if svc == nil {
					continue
				}

				existing, found := seen[svc.InstanceName]
				if found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				seen[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				delete(seen, entry.Instance)

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.browserOptions()...)
	}()

	return out, nil
}

// Find returns the first discovered service whose instance name matches,
// or times out.
func (b *Browser) Find(ctx context.Context, instanceName string) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, BrowseTimeout)
	defer cancel()

	services, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case svc, ok := <-services:
			if !ok {
				return nil, fmt.Errorf("service %q not found", instanceName)
			}
			if svc != nil && strings.EqualFold(svc.InstanceName, instanceName) {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("service %q not found: %w", instanceName, ctx.Err())
		}
	}
}

func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		if iface, err := net.InterfaceByName(b.config.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func entryToService(entry *zeroconf.ServiceEntry) *Service {
	if entry == nil {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	svc := &Service{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Addresses:    addrs,
		Port:         uint16(entry.Port),
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "model="); ok {
			svc.Model = v
		}
	}
	return svc
}

func mergeAddresses(existing, next []string) []string {
	have := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		have[a] = struct{}{}
	}
	for _, a := range next {
		if _, ok := have[a]; !ok {
			existing = append(existing, a)
		}
	}
	return existing
}
