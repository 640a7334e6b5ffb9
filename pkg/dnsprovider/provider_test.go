package dnsprovider

import (
	"context"
	"strings"
	"testing"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

func TestNewRejectsMissingCredentials(t *testing.T) {
	tests := []struct {
		provider string
		settings map[string]string
	}{
		{"cloudflare", nil},
		{"cloudflare", map[string]string{"CF_KEY": "k"}}, // email missing
		{"digitalocean", nil},
		{"route53", map[string]string{"AWS_ACCESS_KEY_ID": "AKIA"}},
		{"azure", map[string]string{"AZURE_CLIENT_ID": "id", "AZURE_CLIENT_SECRET": "s"}},
		{"google", nil},
	}
	v := newTestVerifier(&mockResolver{})
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			_, err := New(tt.provider, tt.settings, v, zerolog.Nop())
			if !common.IsKind(err, common.KindConfigMissing) {
				t.Errorf("error kind = %q, want CONFIG_MISSING (err: %v)", common.KindOf(err), err)
			}
		})
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("nonexistent", nil, newTestVerifier(), zerolog.Nop())
	if !common.IsKind(err, common.KindConfigMissing) {
		t.Errorf("error kind = %q, want CONFIG_MISSING", common.KindOf(err))
	}
}

func TestNewCloudflareWithToken(t *testing.T) {
	p, err := New("cloudflare", map[string]string{"CF_TOKEN": "scoped-token"}, newTestVerifier(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != "cloudflare" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestNewDigitalOceanWithToken(t *testing.T) {
	p, err := New("digitalocean", map[string]string{"DO_TOKEN": "token"}, newTestVerifier(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != "digitalocean" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestNewCustomIsManual(t *testing.T) {
	p, err := New("custom", nil, newTestVerifier(&mockResolver{}), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := p.(*ManualProvider); !ok {
		t.Fatalf("custom provider is %T, want *ManualProvider", p)
	}
}

func TestLegoAdapterCreateDNSRecordUnsupported(t *testing.T) {
	a := newLegoAdapter("cloudflare", nil, newTestVerifier(), zerolog.Nop())
	err := a.CreateDNSRecord(context.Background(), "alias.example.com", "target.example.net", "CNAME")
	if !common.IsKind(err, common.KindDNSProvider) {
		t.Errorf("error kind = %q, want DNS_PROVIDER", common.KindOf(err))
	}
}

func TestClassifyZoneNotFound(t *testing.T) {
	a := newLegoAdapter("cloudflare", nil, newTestVerifier(), zerolog.Nop())
	tests := []struct {
		msg  string
		kind common.ErrorKind
	}{
		{"cloudflare: zone example.com not found", common.KindZoneNotFound},
		{"route53: could not find the zone", common.KindZoneNotFound},
		{"no matching zone for domain", common.KindZoneNotFound},
		{"api error 403: forbidden", common.KindDNSProvider},
	}
	for _, tt := range tests {
		err := a.classify(errForMsg(tt.msg), "create txt record", "rec")
		if !common.IsKind(err, tt.kind) {
			t.Errorf("classify(%q) kind = %q, want %q", tt.msg, common.KindOf(err), tt.kind)
		}
	}
}

type errForMsg string

func (e errForMsg) Error() string { return string(e) }

func TestManualProviderRecordAndEntry(t *testing.T) {
	const domain = "cucm01.example.com"
	const keyAuth = "tok-123.thumb"
	info := dns01.GetChallengeInfo(domain, keyAuth)

	p := NewManualProvider(newTestVerifier(&mockResolver{}), zerolog.Nop())
	rec, err := p.CreateTxtRecord(context.Background(), domain, "tok-123", keyAuth)
	if err != nil {
		t.Fatalf("CreateTxtRecord() error = %v", err)
	}
	if rec.FQDN != info.EffectiveFQDN {
		t.Errorf("record FQDN = %q, want %q", rec.FQDN, info.EffectiveFQDN)
	}
	if rec.Value != info.Value {
		t.Errorf("record Value = %q, want %q", rec.Value, info.Value)
	}
	if !strings.HasPrefix(rec.FQDN, "_acme-challenge.") {
		t.Errorf("record name %q lacks the challenge prefix", rec.FQDN)
	}

	entry := p.Entry(rec)
	if entry.RecordName != rec.FQDN || entry.RecordValue != rec.Value {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(entry.Instructions, rec.FQDN) || !strings.Contains(entry.Instructions, rec.Value) {
		t.Error("instructions must name the record and its value")
	}
}

func TestManualProviderVerifyUsesResolverPanel(t *testing.T) {
	const domain = "cucm01.example.com"
	const keyAuth = "tok.thumb"
	info := dns01.GetChallengeInfo(domain, keyAuth)

	r := &mockResolver{}
	p := NewManualProvider(newTestVerifier(r), zerolog.Nop())

	ok, err := p.VerifyTxtRecord(context.Background(), info.EffectiveFQDN, info.Value)
	if err != nil || ok {
		t.Fatalf("VerifyTxtRecord() = %v, %v before the record exists", ok, err)
	}

	r.set(info.EffectiveFQDN, info.Value)
	ok, err = p.VerifyTxtRecord(context.Background(), info.EffectiveFQDN, info.Value)
	if err != nil {
		t.Fatalf("VerifyTxtRecord() error = %v", err)
	}
	if !ok {
		t.Error("VerifyTxtRecord() = false although the record is visible")
	}
}
