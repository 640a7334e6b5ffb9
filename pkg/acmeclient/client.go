// Package acmeclient drives the RFC 8555 order protocol for one
// certificate authority environment: account registration, order
// submission, DNS-01 challenge completion and certificate download.
package acmeclient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	"github.com/oetiker/go-cert-fleet-manager/pkg/certstore"
	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

// Directory endpoints per SSL provider. The primary authority is
// Let's Encrypt; the alternative is Buypass Go.
const (
	LEDirectoryProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LEDirectoryStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"

	BuypassDirectoryProduction = "https://api.buypass.com/acme/directory"
	BuypassDirectoryStaging    = "https://api.test4.buypass.no/acme/directory"
)

// DirectoryURL resolves the authority directory for an ssl_provider
// value and environment flag.
func DirectoryURL(sslProvider string, staging bool) (string, error) {
	switch sslProvider {
	case "acme_primary", "":
		if staging {
			return LEDirectoryStaging, nil
		}
		return LEDirectoryProduction, nil
	case "acme_alt":
		if staging {
			return BuypassDirectoryStaging, nil
		}
		return BuypassDirectoryProduction, nil
	}
	return "", common.NewError(common.KindConfigMissing, "resolve directory",
		fmt.Sprintf("unknown ssl_provider %q", sslProvider))
}

// Order is the subset of the authority's order resource the
// orchestrator needs to carry between steps.
type Order struct {
	URI         string
	Status      string
	FinalizeURL string
	AuthzURLs   []string
}

// Challenge is one DNS-01 challenge extracted from an order's
// authorizations.
type Challenge struct {
	Identifier string // the domain being validated
	Token      string
	URI        string
}

// Client talks to one ACME directory. Accounts and their keys are
// persisted per (domain, environment) through the certificate store.
type Client struct {
	store        *certstore.Store
	directoryURL string
	env          string
	httpClient   *http.Client
	orderTimeout time.Duration
	logger       zerolog.Logger
}

// New creates a client for the given ssl_provider and environment.
func New(store *certstore.Store, sslProvider string, staging bool, httpTimeout, orderTimeout time.Duration, logger zerolog.Logger) (*Client, error) {
	dirURL, err := DirectoryURL(sslProvider, staging)
	if err != nil {
		return nil, err
	}
	env := "prod"
	if staging {
		env = "staging"
	}
	return &Client{
		store:        store,
		directoryURL: dirURL,
		env:          env,
		httpClient:   &http.Client{Timeout: httpTimeout},
		orderTimeout: orderTimeout,
		logger:       logger.With().Str("component", "acme").Str("directory", dirURL).Logger(),
	}, nil
}

func (c *Client) acmeClient(acct *Account) *acme.Client {
	return &acme.Client{
		Key:          acct.key,
		DirectoryURL: c.directoryURL,
		HTTPClient:   c.httpClient,
		UserAgent:    "go-cert-fleet-manager",
	}
}

// CreateAccount returns the persisted account for the domain or
// registers a new one with the configured contact email. A missing
// email only matters on the registration branch; stored accounts are
// reused as-is. If a fresh key turns out to be registered already the
// existing account is adopted.
func (c *Client) CreateAccount(ctx context.Context, email, fqdn string) (*Account, error) {
	if acct, err := c.LoadAccount(fqdn); err != nil {
		return nil, common.WrapError(err, common.KindACMEProtocol, "create account", "loading stored account failed")
	} else if acct != nil {
		c.logger.Debug().Str("domain", fqdn).Str("account", acct.URI).Msg("reusing stored ACME account")
		return acct, nil
	}

	if email == "" {
		return nil, common.NewError(common.KindConfigMissing, "create account",
			"no contact email configured; set email in the configuration file")
	}

	key, err := newAccountKey()
	if err != nil {
		return nil, common.WrapError(err, common.KindACMEProtocol, "create account", "key generation failed")
	}
	acct := &Account{Email: email, key: key}

	client := c.acmeClient(acct)
	contact := []string{"mailto:" + email}
	registered, err := client.Register(ctx, &acme.Account{Contact: contact}, acme.AcceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		registered, err = client.GetReg(ctx, "")
	}
	if err != nil {
		return nil, common.WrapError(err, common.KindACMEProtocol, "create account", "registration failed").
			WithResource(c.directoryURL)
	}
	acct.URI = registered.URI

	if err := c.saveAccount(fqdn, acct); err != nil {
		return nil, common.WrapError(err, common.KindACMEProtocol, "create account", "persisting account failed")
	}
	c.logger.Info().Str("domain", fqdn).Str("account", acct.URI).Msg("registered new ACME account")
	return acct, nil
}

// RequestCertificate submits a new order for the domains and returns
// it together with the DNS-01 challenge of every identifier.
func (c *Client) RequestCertificate(ctx context.Context, acct *Account, domains []string) (*Order, []Challenge, error) {
	client := c.acmeClient(acct)

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, nil, common.WrapError(err, common.KindACMEProtocol, "create order", "order submission failed").
			WithResource(strings.Join(domains, ","))
	}

	var challenges []Challenge
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, nil, common.WrapError(err, common.KindACMEProtocol, "fetch authorization", "").
				WithResource(authzURL)
		}
		var dns01 *acme.Challenge
		for _, ch := range authz.Challenges {
			if ch.Type == "dns-01" {
				dns01 = ch
				break
			}
		}
		if dns01 == nil {
			return nil, nil, common.NewError(common.KindACMEProtocol, "fetch authorization",
				"authority offered no dns-01 challenge").WithResource(authz.Identifier.Value)
		}
		challenges = append(challenges, Challenge{
			Identifier: authz.Identifier.Value,
			Token:      dns01.Token,
			URI:        dns01.URI,
		})
	}

	c.logger.Info().Str("order", order.URI).Int("challenges", len(challenges)).Msg("order created")
	return &Order{
		URI:         order.URI,
		Status:      order.Status,
		FinalizeURL: order.FinalizeURL,
		AuthzURLs:   append([]string(nil), order.AuthzURLs...),
	}, challenges, nil
}

// KeyAuthorization derives token || "." || base64url(sha256(JWK)) for
// the account key.
func (c *Client) KeyAuthorization(acct *Account, token string) (string, error) {
	thumbprint, err := acme.JWKThumbprint(acct.key.Public())
	if err != nil {
		return "", common.WrapError(err, common.KindACMEProtocol, "key authorization", "thumbprint failed")
	}
	return token + "." + thumbprint, nil
}

// DNSRecordValue computes the TXT record value for a key
// authorization: base64url(sha256(keyAuth)).
func DNSRecordValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CompleteChallenge tells the authority the challenge is ready to be
// validated.
func (c *Client) CompleteChallenge(ctx context.Context, acct *Account, ch Challenge) error {
	client := c.acmeClient(acct)
	if _, err := client.Accept(ctx, &acme.Challenge{URI: ch.URI, Token: ch.Token, Type: "dns-01"}); err != nil {
		return common.WrapError(err, common.KindACMEProtocol, "complete challenge", "").
			WithResource(ch.URI)
	}
	return nil
}

// WaitForOrder polls the order until the authority reports it valid.
// An invalid order is fatal and surfaces the authorization problem
// details.
func (c *Client) WaitForOrder(ctx context.Context, acct *Account, order *Order) (*Order, error) {
	client := c.acmeClient(acct)

	waitCtx, cancel := context.WithTimeout(ctx, c.orderTimeout)
	defer cancel()

	final, err := client.WaitOrder(waitCtx, order.URI)
	if err != nil {
		var orderErr *acme.OrderError
		if errors.As(err, &orderErr) && orderErr.Status == acme.StatusInvalid {
			return nil, common.WrapError(err, common.KindOrderInvalid, "wait order",
				c.authorizationFailures(ctx, client, order)).WithResource(order.URI)
		}
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, common.WrapError(err, common.KindACMEProtocol, "wait order",
				fmt.Sprintf("order did not become valid within %s", c.orderTimeout)).WithResource(order.URI)
		}
		return nil, common.WrapError(err, common.KindACMEProtocol, "wait order", "").WithResource(order.URI)
	}

	order.Status = final.Status
	order.FinalizeURL = final.FinalizeURL
	return order, nil
}

// authorizationFailures collects problem details from the order's
// failed authorizations for the OrderInvalid error message.
func (c *Client) authorizationFailures(ctx context.Context, client *acme.Client, order *Order) string {
	var details []string
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			continue
		}
		if authz.Status != acme.StatusValid {
			for _, ch := range authz.Challenges {
				if ch.Error != nil {
					details = append(details, fmt.Sprintf("%s: %v", authz.Identifier.Value, ch.Error))
				}
			}
		}
	}
	if len(details) == 0 {
		return "order invalid"
	}
	return "order invalid: " + strings.Join(details, "; ")
}

// FinalizeCertificate submits the DER CSR to the finalize URL and
// downloads the issued chain as PEM.
func (c *Client) FinalizeCertificate(ctx context.Context, acct *Account, order *Order, csrPEM []byte) ([]byte, error) {
	csrDER, err := certstore.DecodeCSR(csrPEM)
	if err != nil {
		return nil, common.WrapError(err, common.KindCSRFormatInvalid, "finalize order", "")
	}

	client := c.acmeClient(acct)
	chainDER, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, common.WrapError(err, common.KindACMEProtocol, "finalize order", "certificate download failed").
			WithResource(order.FinalizeURL)
	}

	var chain []byte
	for _, der := range chainDER {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	c.logger.Info().Str("order", order.URI).Int("certificates", len(chainDER)).Msg("certificate chain downloaded")
	return chain, nil
}
