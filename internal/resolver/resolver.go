// Package resolver turns compute hostnames into control addresses.
package resolver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/stanstork/recovery-controller/internal/apperrors"
)

type Resolver interface {
	Resolve(ctx context.Context, hostname string) (string, error)
}

type LookupFunc func(ctx context.Context, host string) ([]string, error)

type netResolver struct {
	lookup LookupFunc
}

// New returns a resolver backed by the system resolver, which honours /etc/hosts.
func New() Resolver {
	return &netResolver{lookup: net.DefaultResolver.LookupHost}
}

// NewWithLookup is used where the lookup must be replaced, e.g. in tests.
func NewWithLookup(lookup LookupFunc) Resolver {
	return &netResolver{lookup: lookup}
}

// Resolve returns the first IPv4 address for hostname, falling back to the first address.
func (r *netResolver) Resolve(ctx context.Context, hostname string) (string, error) {
	addrs, err := r.lookup(ctx, hostname)
	if err != nil {
		return "", &apperrors.ResolutionError{Hostname: hostname, Err: err}
	}
	if len(addrs) == 0 {
		return "", &apperrors.ResolutionError{Hostname: hostname, Err: errors.New("no addresses")}
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr, nil
		}
	}
	return addrs[0], nil
}
