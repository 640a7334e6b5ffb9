package dnsprovider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Resolver is the DNS lookup surface the verifier polls. Tests inject
// mock resolvers; production uses one net.Resolver per configured
// nameserver address.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type netResolver struct {
	addr     string
	resolver *net.Resolver
}

func (r *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.resolver.LookupTXT(ctx, name)
}

// NewStaticResolver builds a resolver pinned to one DNS server
// address (host:port).
func NewStaticResolver(addr string) Resolver {
	return &netResolver{
		addr: addr,
		resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: 10 * time.Second}
				return d.DialContext(ctx, "udp", addr)
			},
		},
	}
}

// Verifier polls a panel of resolvers until a record carries the
// expected value everywhere or a deadline passes.
type Verifier struct {
	resolvers []Resolver
	interval  time.Duration
	logger    zerolog.Logger
}

// NewVerifier builds a verifier over the given resolver addresses.
func NewVerifier(addrs []string, interval time.Duration, logger zerolog.Logger) *Verifier {
	resolvers := make([]Resolver, 0, len(addrs))
	for _, addr := range addrs {
		resolvers = append(resolvers, NewStaticResolver(addr))
	}
	return NewVerifierWithResolvers(resolvers, interval, logger)
}

// NewVerifierWithResolvers builds a verifier over pre-built resolvers;
// used by tests to inject mocks.
func NewVerifierWithResolvers(resolvers []Resolver, interval time.Duration, logger zerolog.Logger) *Verifier {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Verifier{
		resolvers: resolvers,
		interval:  interval,
		logger:    logger.With().Str("component", "dnsverify").Logger(),
	}
}

// Check queries every resolver once and reports whether all of them
// return the expected TXT value. Lookup errors count as "not visible";
// a record that has not propagated yet looks the same as one that does
// not exist.
func (v *Verifier) Check(ctx context.Context, fqdn, expected string) bool {
	for _, resolver := range v.resolvers {
		values, err := resolver.LookupTXT(ctx, fqdn)
		if err != nil {
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				v.logger.Warn().Str("record", fqdn).Err(err).Msg("resolver query failed, will retry")
			}
			return false
		}
		found := false
		for _, value := range values {
			if value == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AwaitPropagation polls until every resolver in the panel returns the
// expected value or the deadline passes. The only error it returns is
// context cancellation; transient resolver failures are retried.
func (v *Verifier) AwaitPropagation(ctx context.Context, fqdn, expected string, deadline time.Time) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if v.Check(ctx, fqdn, expected) {
			v.logger.Info().Str("record", fqdn).Msg("record visible on all resolvers")
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := v.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}
