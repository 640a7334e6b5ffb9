// Package dnsprovider presents one adapter contract over the cloud
// DNS providers used for DNS-01 validation, plus the manual "custom"
// provider for zones managed by hand.
package dnsprovider

import (
	"context"
	"fmt"

	"github.com/go-acme/lego/v4/providers/dns/azuredns"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/providers/dns/digitalocean"
	"github.com/go-acme/lego/v4/providers/dns/gcloud"
	"github.com/go-acme/lego/v4/providers/dns/route53"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

// Record identifies one challenge TXT record created at a provider.
// It exists only for the lifetime of a single renewal.
type Record struct {
	ID    string
	FQDN  string
	Value string

	domain  string
	token   string
	keyAuth string
}

// Provider is the uniform adapter contract over the DNS backends.
// Create and cleanup operate on the ACME key authorization; the
// resulting record name and value are returned in the Record.
type Provider interface {
	Name() string
	CreateTxtRecord(ctx context.Context, domain, token, keyAuth string) (Record, error)
	// DeleteTxtRecord is best-effort: a record that is already gone
	// must not fail the renewal.
	DeleteTxtRecord(ctx context.Context, rec Record) error
	// CleanupTxtRecords purges challenge records left over at
	// _acme-challenge.<domain> from earlier attempts.
	CleanupTxtRecords(ctx context.Context, domain, token, keyAuth string) error
	VerifyTxtRecord(ctx context.Context, fqdn, expected string) (bool, error)
	// CreateDNSRecord supports CNAME delegation flows; cloud adapters
	// that cannot express it return a DNSProvider error.
	CreateDNSRecord(ctx context.Context, name, value, recordType string) error
}

// New builds the adapter for a dns_provider value using the
// credentials from the provider's Settings rows.
func New(name string, settings map[string]string, verifier *Verifier, logger zerolog.Logger) (Provider, error) {
	switch name {
	case "cloudflare":
		provider, err := newCloudflareProvider(settings)
		if err != nil {
			return nil, err
		}
		return newLegoAdapter(name, provider, verifier, logger), nil
	case "digitalocean":
		token := settings["DO_TOKEN"]
		if token == "" {
			return nil, missingCredentials(name, "DO_TOKEN")
		}
		provider, err := digitalocean.NewDNSProviderConfig(&digitalocean.Config{AuthToken: token})
		if err != nil {
			return nil, providerInitError(name, err)
		}
		return newLegoAdapter(name, provider, verifier, logger), nil
	case "route53":
		provider, err := newRoute53Provider(settings)
		if err != nil {
			return nil, err
		}
		return newLegoAdapter(name, provider, verifier, logger), nil
	case "azure":
		provider, err := newAzureProvider(settings)
		if err != nil {
			return nil, err
		}
		return newLegoAdapter(name, provider, verifier, logger), nil
	case "google":
		provider, err := newGoogleProvider(settings)
		if err != nil {
			return nil, err
		}
		return newLegoAdapter(name, provider, verifier, logger), nil
	case "custom":
		return NewManualProvider(verifier, logger), nil
	}
	return nil, common.NewError(common.KindConfigMissing, "select dns provider",
		fmt.Sprintf("unsupported dns_provider %q", name))
}

func newCloudflareProvider(settings map[string]string) (*cloudflare.DNSProvider, error) {
	// Prefer a scoped API token; fall back to the global key + email pair.
	if token := settings["CF_TOKEN"]; token != "" {
		provider, err := cloudflare.NewDNSProviderConfig(&cloudflare.Config{AuthToken: token})
		if err != nil {
			return nil, providerInitError("cloudflare", err)
		}
		return provider, nil
	}
	key, email := settings["CF_KEY"], settings["CF_EMAIL"]
	if key == "" || email == "" {
		return nil, missingCredentials("cloudflare", "CF_TOKEN or CF_KEY+CF_EMAIL")
	}
	provider, err := cloudflare.NewDNSProviderConfig(&cloudflare.Config{AuthEmail: email, AuthKey: key})
	if err != nil {
		return nil, providerInitError("cloudflare", err)
	}
	return provider, nil
}

func newRoute53Provider(settings map[string]string) (*route53.DNSProvider, error) {
	cfg := &route53.Config{
		AccessKeyID:     settings["AWS_ACCESS_KEY_ID"],
		SecretAccessKey: settings["AWS_SECRET_ACCESS_KEY"],
		Region:          settings["AWS_REGION"],
		HostedZoneID:    settings["AWS_HOSTED_ZONE_ID"],
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, missingCredentials("route53", "AWS_ACCESS_KEY_ID+AWS_SECRET_ACCESS_KEY")
	}
	provider, err := route53.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, providerInitError("route53", err)
	}
	return provider, nil
}

func newAzureProvider(settings map[string]string) (*azuredns.DNSProvider, error) {
	cfg := &azuredns.Config{
		ClientID:       settings["AZURE_CLIENT_ID"],
		ClientSecret:   settings["AZURE_CLIENT_SECRET"],
		SubscriptionID: settings["AZURE_SUBSCRIPTION_ID"],
		TenantID:       settings["AZURE_TENANT_ID"],
		ResourceGroup:  settings["AZURE_RESOURCE_GROUP"],
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.SubscriptionID == "" ||
		cfg.TenantID == "" || cfg.ResourceGroup == "" {
		return nil, missingCredentials("azure", "AZURE_CLIENT_ID+AZURE_CLIENT_SECRET+AZURE_SUBSCRIPTION_ID+AZURE_TENANT_ID+AZURE_RESOURCE_GROUP")
	}
	provider, err := azuredns.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, providerInitError("azure", err)
	}
	return provider, nil
}

func newGoogleProvider(settings map[string]string) (*gcloud.DNSProvider, error) {
	if saJSON := settings["GCP_SERVICE_ACCOUNT_JSON"]; saJSON != "" {
		provider, err := gcloud.NewDNSProviderServiceAccountKey([]byte(saJSON))
		if err != nil {
			return nil, providerInitError("google", err)
		}
		return provider, nil
	}
	if saFile := settings["GCP_SERVICE_ACCOUNT_FILE"]; saFile != "" {
		provider, err := gcloud.NewDNSProviderServiceAccount(saFile)
		if err != nil {
			return nil, providerInitError("google", err)
		}
		return provider, nil
	}
	return nil, missingCredentials("google", "GCP_SERVICE_ACCOUNT_JSON or GCP_SERVICE_ACCOUNT_FILE")
}

func missingCredentials(provider, keys string) error {
	return common.NewError(common.KindConfigMissing, "configure dns provider",
		fmt.Sprintf("missing %s settings for provider %s", keys, provider)).WithResource(provider)
}

func providerInitError(provider string, err error) error {
	return common.WrapError(err, common.KindDNSProvider, "configure dns provider", "initialization failed").
		WithResource(provider)
}
