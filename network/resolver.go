package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPeerUnknown is returned when no resolver knows an address for a peer.
var ErrPeerUnknown = errors.New("network: peer address unknown")

// Resolver maps a device ID to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, peerID string) (string, error)
}

// StaticResolver serves addresses from a fixed table.
type StaticResolver map[string]string

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, peerID string) (string, error) {
	address := strings.TrimSpace(r[peerID])
	if address == "" {
		return "", fmt.Errorf("%w: %q", ErrPeerUnknown, peerID)
	}
	return address, nil
}

// MultiResolver tries each resolver in order and returns the first address found.
type MultiResolver []Resolver

// Resolve implements Resolver.
func (m MultiResolver) Resolve(ctx context.Context, peerID string) (string, error) {
	var errs []error
	for _, resolver := range m {
		if resolver == nil {
			continue
		}
		address, err := resolver.Resolve(ctx, peerID)
		if err == nil {
			return address, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %q", ErrPeerUnknown, peerID)
	}
	return "", errors.Join(errs...)
}
