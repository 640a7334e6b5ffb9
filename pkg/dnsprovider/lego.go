package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

// legoAdapter bridges the adapter contract onto a configured lego
// challenge.Provider. The provider libraries resolve the hosting zone
// themselves (longest-suffix match over the zones the credentials can
// list) and manage record ids internally, so the adapter's record ids
// are synthetic handles.
type legoAdapter struct {
	name     string
	provider challenge.Provider
	verifier *Verifier
	logger   zerolog.Logger
}

func newLegoAdapter(name string, provider challenge.Provider, verifier *Verifier, logger zerolog.Logger) *legoAdapter {
	return &legoAdapter{
		name:     name,
		provider: provider,
		verifier: verifier,
		logger:   logger.With().Str("component", "dns").Str("provider", name).Logger(),
	}
}

func (a *legoAdapter) Name() string {
	return a.name
}

func (a *legoAdapter) CreateTxtRecord(ctx context.Context, domain, token, keyAuth string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	info := dns01.GetChallengeInfo(domain, keyAuth)
	if err := a.provider.Present(domain, token, keyAuth); err != nil {
		return Record{}, a.classify(err, "create txt record", info.EffectiveFQDN)
	}
	a.logger.Info().Str("record", info.EffectiveFQDN).Msg("challenge TXT record created")
	return Record{
		ID:      fmt.Sprintf("%s:%s:%s", a.name, info.EffectiveFQDN, token),
		FQDN:    info.EffectiveFQDN,
		Value:   info.Value,
		domain:  domain,
		token:   token,
		keyAuth: keyAuth,
	}, nil
}

func (a *legoAdapter) DeleteTxtRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.provider.CleanUp(rec.domain, rec.token, rec.keyAuth); err != nil {
		// Absence is fine; cleanup must never fail a renewal.
		a.logger.Warn().Str("record", rec.FQDN).Err(err).Msg("challenge TXT record cleanup failed")
	}
	return nil
}

func (a *legoAdapter) CleanupTxtRecords(ctx context.Context, domain, token, keyAuth string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.provider.CleanUp(domain, token, keyAuth); err != nil {
		a.logger.Debug().Str("domain", domain).Err(err).Msg("no stale challenge records to purge")
	}
	return nil
}

func (a *legoAdapter) VerifyTxtRecord(ctx context.Context, fqdn, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return a.verifier.Check(ctx, fqdn, expected), nil
}

func (a *legoAdapter) CreateDNSRecord(ctx context.Context, name, value, recordType string) error {
	return common.NewError(common.KindDNSProvider, "create dns record",
		fmt.Sprintf("%s records are not supported through the %s adapter; use the custom provider", recordType, a.name))
}

// classify maps provider failures onto the error taxonomy. Providers
// report an unresolvable hosting zone with a "zone"-shaped message.
func (a *legoAdapter) classify(err error, op, resource string) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "zone") && (strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no matching") || strings.Contains(msg, "could not find")) {
		return common.WrapError(err, common.KindZoneNotFound, op, "no hosted zone matches the domain").
			WithResource(resource)
	}
	return common.WrapError(err, common.KindDNSProvider, op, "").WithResource(resource)
}
