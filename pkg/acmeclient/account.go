package acmeclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Account is an ACME account scoped to one (domain, environment)
// pair: a signing key, the account URL at the authority and the
// contact email it was registered with.
type Account struct {
	URI   string `json:"uri"`
	Email string `json:"email"`

	key *ecdsa.PrivateKey
}

// Key returns the account signing key.
func (a *Account) Key() *ecdsa.PrivateKey {
	return a.key
}

// LoadAccount returns the persisted account for the domain in the
// client's environment, or nil when none exists yet.
func (c *Client) LoadAccount(fqdn string) (*Account, error) {
	accountJSON, keyPEM, err := c.store.LoadAccount(fqdn, c.env)
	if err != nil {
		return nil, err
	}
	if accountJSON == nil {
		return nil, nil
	}

	var acct Account
	if err := json.Unmarshal(accountJSON, &acct); err != nil {
		return nil, fmt.Errorf("parsing stored account for %s: %w", fqdn, err)
	}
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing account key for %s: %w", fqdn, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("account key for %s is %T, expected ECDSA", fqdn, key)
	}
	acct.key = ecKey
	return &acct, nil
}

// newAccountKey generates the ECDSA P-256 signing key for a fresh
// account.
func newAccountKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating account key: %w", err)
	}
	return key, nil
}

// saveAccount persists the account JSON and PEM-encoded key through
// the certificate store.
func (c *Client) saveAccount(fqdn string, acct *Account) error {
	accountJSON, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling account for %s: %w", fqdn, err)
	}
	keyPEM := certcrypto.PEMEncode(acct.key)
	return c.store.SaveAccount(fqdn, c.env, accountJSON, keyPEM)
}
