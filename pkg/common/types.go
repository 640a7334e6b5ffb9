package common

import (
	"strings"
	"time"
)

// ApplicationType classifies the target endpoint of a connection.
type ApplicationType string

const (
	// AppTypeVOS is a voice-OS appliance with a REST certificate manager API.
	AppTypeVOS ApplicationType = "vos"
	// AppTypeGeneral is a general-purpose server; certificates are only published to disk.
	AppTypeGeneral ApplicationType = "general"
	// AppTypePortal is a network portal; treated like general for publication.
	AppTypePortal ApplicationType = "portal"
)

// Connection is the unit of renewal: one managed endpoint plus the
// settings needed to obtain and install its certificate.
type Connection struct {
	ID                 int64
	Name               string
	ApplicationType    ApplicationType
	Hostname           string
	Domain             string
	AltNames           []string
	Username           string
	Password           string
	SSLProvider        string // acme_primary | acme_alt
	DNSProvider        string // cloudflare | digitalocean | route53 | azure | google | custom
	CustomCSR          string // PEM CSR, optionally followed by a PEM private key
	EnableSSH          bool
	AutoRestartService bool

	LastCertIssued     *time.Time
	CertCountThisWeek  int
	CertCountResetDate *time.Time
}

// FQDN joins hostname and domain into the fully-qualified name the
// certificate is issued for.
func (c *Connection) FQDN() string {
	return c.Hostname + "." + c.Domain
}

// Domains returns the FQDN followed by any alternative names, in order.
func (c *Connection) Domains() []string {
	domains := []string{c.FQDN()}
	for _, alt := range c.AltNames {
		alt = strings.TrimSpace(alt)
		if alt != "" {
			domains = append(domains, alt)
		}
	}
	return domains
}

// Setting is a provider-scoped key/value credential tuple.
type Setting struct {
	Provider string
	Key      string
	Value    string
}

// RenewalState is the lifecycle state of one renewal attempt.
type RenewalState string

const (
	StatePending                RenewalState = "pending"
	StateGeneratingCSR          RenewalState = "generating_csr"
	StateCreatingAccount        RenewalState = "creating_account"
	StateRequestingCertificate  RenewalState = "requesting_certificate"
	StateCreatingDNSChallenge   RenewalState = "creating_dns_challenge"
	StateWaitingDNSPropagation  RenewalState = "waiting_dns_propagation"
	StateWaitingManualDNS       RenewalState = "waiting_manual_dns"
	StateCompletingValidation   RenewalState = "completing_validation"
	StateDownloadingCertificate RenewalState = "downloading_certificate"
	StateUploadingCertificate   RenewalState = "uploading_certificate"
	StateCompleted              RenewalState = "completed"
	StateFailed                 RenewalState = "failed"
)

// stateProgress fixes the state-to-progress mapping used both for live
// updates and for statuses reconstructed from the store.
var stateProgress = map[RenewalState]int{
	StatePending:                0,
	StateGeneratingCSR:          10,
	StateCreatingAccount:        15,
	StateRequestingCertificate:  20,
	StateCreatingDNSChallenge:   30,
	StateWaitingDNSPropagation:  50,
	StateWaitingManualDNS:       65,
	StateCompletingValidation:   70,
	StateDownloadingCertificate: 80,
	StateUploadingCertificate:   90,
	StateCompleted:              100,
	StateFailed:                 0,
}

// Progress returns the fixed progress percentage for the state.
func (s RenewalState) Progress() int {
	return stateProgress[s]
}

// Terminal reports whether the state ends a renewal.
func (s RenewalState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ManualDNSEntry carries the record an operator must publish by hand
// when the connection uses the custom DNS provider.
type ManualDNSEntry struct {
	RecordName   string `json:"record_name"`
	RecordValue  string `json:"record_value"`
	Instructions string `json:"instructions"`
}

// RenewalStatus is the lifecycle record of one renewal attempt. A
// completed or failed status is immutable; EndTime is set exactly when
// a terminal state is reached.
type RenewalStatus struct {
	ID           string          `json:"id"`
	ConnectionID int64           `json:"connection_id"`
	State        RenewalState    `json:"state"`
	Message      string          `json:"message"`
	Progress     int             `json:"progress"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Error        string          `json:"error,omitempty"`
	Logs         []string        `json:"logs"`
	ManualDNS    *ManualDNSEntry `json:"manual_dns_entry,omitempty"`
}

// Clone returns a deep copy safe to hand to callers while the renewal
// task keeps mutating the original under the orchestrator lock.
func (s *RenewalStatus) Clone() *RenewalStatus {
	out := *s
	out.Logs = append([]string(nil), s.Logs...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.ManualDNS != nil {
		m := *s.ManualDNS
		out.ManualDNS = &m
	}
	return &out
}
