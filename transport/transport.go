// Package transport defines the proximity connection lifecycle the messenger
// core is written against. Implementations live in sub-packages.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransportUnavailable = errors.New("transport: unavailable")
	ErrUnknownEndpoint      = errors.New("transport: unknown endpoint")
	ErrAlreadyConnected     = errors.New("transport: endpoint already has a link")
	ErrNotConnected         = errors.New("transport: endpoint not connected")
	ErrUnsupportedPayload   = errors.New("transport: unsupported payload kind")
	ErrClosed               = errors.New("transport: closed")
	ErrInvalidOptions       = errors.New("transport: invalid options")
)

// Strategy controls which peers may see and connect to each other. Only
// peers using the same strategy and service ID match.
type Strategy string

const (
	StrategyCluster      Strategy = "cluster"
	StrategyStar         Strategy = "star"
	StrategyPointToPoint Strategy = "point_to_point"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(value string) (Strategy, error) {
	switch s := Strategy(value); s {
	case StrategyCluster, StrategyStar, StrategyPointToPoint:
		return s, nil
	case "":
		return StrategyCluster, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, value)
	}
}

// MaxEndpointInfoSize bounds the discovery metadata an endpoint advertises.
const MaxEndpointInfoSize = 131

// Options scope advertising and discovery.
type Options struct {
	ServiceID string
	Strategy  Strategy
	// EndpointInfo is opaque metadata handed to discoverers as
	// EndpointFound.Info. Empty advertises the UTF-8 local name. Ignored by
	// StartDiscovery.
	EndpointInfo []byte
}

// Validate checks that the options can be registered.
func (o Options) Validate() error {
	if o.ServiceID == "" {
		return fmt.Errorf("%w: service id is required", ErrInvalidOptions)
	}
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if len(o.EndpointInfo) > MaxEndpointInfoSize {
		return fmt.Errorf("%w: endpoint info is %d bytes, limit %d", ErrInvalidOptions, len(o.EndpointInfo), MaxEndpointInfoSize)
	}
	return nil
}

// AdvertisedInfo returns a copy of the metadata to advertise for localName.
func (o Options) AdvertisedInfo(localName string) []byte {
	if len(o.EndpointInfo) == 0 {
		return []byte(localName)
	}
	return append([]byte(nil), o.EndpointInfo...)
}

// Normalized fills the default strategy.
func (o Options) Normalized() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyCluster
	}
	return o
}

// Matches reports whether two registrations can see each other.
func (o Options) Matches(other Options) bool {
	a, b := o.Normalized(), other.Normalized()
	return a.ServiceID == b.ServiceID && a.Strategy == b.Strategy
}

// PayloadKind identifies how payload content is carried.
type PayloadKind string

const (
	PayloadBytes  PayloadKind = "bytes"
	PayloadFile   PayloadKind = "file"
	PayloadStream PayloadKind = "stream"
)

// Payload is a unit of data exchanged over a connected link.
type Payload struct {
	ID    string
	Kind  PayloadKind
	Bytes []byte
}

// BytesPayload wraps data as a bytes payload.
func BytesPayload(id string, data []byte) Payload {
	return Payload{ID: id, Kind: PayloadBytes, Bytes: data}
}

// Transport is a proximity connection provider.
//
// Implementations must deliver events for a given endpoint in the order they
// happened and must never block their own I/O on a slow Events reader.
type Transport interface {
	StartAdvertising(ctx context.Context, localName string, opts Options) error
	StopAdvertising()
	StartDiscovery(ctx context.Context, opts Options) error
	StopDiscovery()

	// RequestConnection starts pairing with a discovered endpoint. Both sides
	// then receive ConnectionInitiated.
	RequestConnection(ctx context.Context, localName, endpointID string) error
	AcceptConnection(ctx context.Context, endpointID string) error
	RejectConnection(ctx context.Context, endpointID string) error

	SendPayload(ctx context.Context, endpointID string, payload Payload) error
	// DisconnectFromEndpoint tears the link down. The peer observes
	// Disconnected; the local side does not.
	DisconnectFromEndpoint(endpointID string)

	Events() <-chan Event
	LocalEndpointID() string
	Close() error
}
