package lan

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"nearbychat/transport"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_nearbychat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background discovery interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 30
)

// TXT record keys.
const (
	txtEndpointID = "endpoint_id"
	txtServiceID  = "service_id"
	txtStrategy   = "strategy"
	txtVersion    = "version"
	txtInfo       = "info"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the LAN transport.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long an endpoint may be missing from scans
	// before it is reported lost.
	PeerStaleAfter time.Duration

	// ListenAddress is the TCP address accepting links. Empty means any
	// interface on a random port.
	ListenAddress     string
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// broadcaster advertises the local endpoint via mDNS.
type broadcaster struct {
	server *zeroconf.Server
}

func startBroadcaster(cfg Config, endpointID, name string, port int, opts transport.Options) (*broadcaster, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("endpoint name is required")
	}
	if port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		txtEndpointID + "=" + endpointID,
		txtServiceID + "=" + opts.ServiceID,
		txtStrategy + "=" + string(opts.Strategy),
		txtVersion + "=" + strconv.Itoa(ProtocolVersion),
		txtInfo + "=" + base64.StdEncoding.EncodeToString(opts.AdvertisedInfo(name)),
	}

	server, err := cfg.registerFn(name, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}
	return &broadcaster{server: server}, nil
}

func (b *broadcaster) stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// discoveredPeer is an endpoint seen on the LAN.
type discoveredPeer struct {
	EndpointID string
	Name       string
	ServiceID  string
	Strategy   transport.Strategy
	Info       []byte
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// dialAddresses lists host:port candidates, IPv4 first.
func (p discoveredPeer) dialAddresses() []string {
	out := make([]string, 0, len(p.Addresses))
	for _, addr := range p.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(p.Port)))
	}
	return out
}

// parseEntry keeps entries from other endpoints registered with the same
// service ID, strategy and protocol version.
func parseEntry(entry *zeroconf.ServiceEntry, selfEndpointID string, opts transport.Options) (discoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	endpointID := strings.TrimSpace(txt[txtEndpointID])
	if endpointID == "" || endpointID == selfEndpointID {
		return discoveredPeer{}, false
	}

	remote := transport.Options{
		ServiceID: txt[txtServiceID],
		Strategy:  transport.Strategy(txt[txtStrategy]),
	}
	if !remote.Matches(opts) {
		return discoveredPeer{}, false
	}
	if version, err := strconv.Atoi(txt[txtVersion]); err != nil || version != ProtocolVersion {
		return discoveredPeer{}, false
	}
	if entry.Port <= 0 {
		return discoveredPeer{}, false
	}

	var info []byte
	if raw, ok := txt[txtInfo]; ok {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil || len(decoded) > transport.MaxEndpointInfoSize {
			return discoveredPeer{}, false
		}
		info = decoded
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		family := make([]string, 0, len(ips))
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			family = append(family, raw)
		}
		sort.Strings(family)
		addresses = append(addresses, family...)
	}
	if len(addresses) == 0 {
		return discoveredPeer{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = endpointID
	}

	return discoveredPeer{
		EndpointID: endpointID,
		Name:       name,
		ServiceID:  remote.ServiceID,
		Strategy:   remote.Normalized().Strategy,
		Info:       info,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b discoveredPeer) bool {
	if a.EndpointID != b.EndpointID ||
		a.Name != b.Name ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		!bytes.Equal(a.Info, b.Info) ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
