package dnsprovider

import (
	"context"
	"fmt"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

// ManualProvider is the "custom" adapter for zones the operator
// manages by hand. Creating a record only renders instructions; the
// orchestrator exposes them on the renewal status and polls resolvers
// until the operator has published the record.
type ManualProvider struct {
	verifier *Verifier
	logger   zerolog.Logger
}

// NewManualProvider builds the manual adapter.
func NewManualProvider(verifier *Verifier, logger zerolog.Logger) *ManualProvider {
	return &ManualProvider{
		verifier: verifier,
		logger:   logger.With().Str("component", "dns").Str("provider", "custom").Logger(),
	}
}

func (p *ManualProvider) Name() string {
	return "custom"
}

func (p *ManualProvider) CreateTxtRecord(ctx context.Context, domain, token, keyAuth string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	info := dns01.GetChallengeInfo(domain, keyAuth)
	p.logger.Info().Str("record", info.EffectiveFQDN).Msg("manual DNS entry required")
	return Record{
		ID:      "manual:" + info.EffectiveFQDN,
		FQDN:    info.EffectiveFQDN,
		Value:   info.Value,
		domain:  domain,
		token:   token,
		keyAuth: keyAuth,
	}, nil
}

// Entry renders the operator instructions for a pending record.
func (p *ManualProvider) Entry(rec Record) common.ManualDNSEntry {
	return common.ManualDNSEntry{
		RecordName:  rec.FQDN,
		RecordValue: rec.Value,
		Instructions: fmt.Sprintf(
			"Create a TXT record named %q with the value %q in the zone for %s, then wait for validation to proceed.",
			rec.FQDN, rec.Value, rec.domain),
	}
}

// DeleteTxtRecord is a no-op: the operator owns the record.
func (p *ManualProvider) DeleteTxtRecord(ctx context.Context, rec Record) error {
	p.logger.Info().Str("record", rec.FQDN).Msg("remember to remove the manual TXT record")
	return nil
}

// CleanupTxtRecords is a no-op for manually managed zones.
func (p *ManualProvider) CleanupTxtRecords(ctx context.Context, domain, token, keyAuth string) error {
	return nil
}

func (p *ManualProvider) VerifyTxtRecord(ctx context.Context, fqdn, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.verifier.Check(ctx, fqdn, expected), nil
}

// CreateDNSRecord renders instructions for arbitrary record types
// (used by CNAME delegation flows).
func (p *ManualProvider) CreateDNSRecord(ctx context.Context, name, value, recordType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info().Str("record", name).Str("type", recordType).Str("value", value).
		Msg("manual DNS entry required")
	return nil
}
