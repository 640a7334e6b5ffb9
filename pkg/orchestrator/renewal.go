package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oetiker/go-cert-fleet-manager/pkg/acmeclient"
	"github.com/oetiker/go-cert-fleet-manager/pkg/certstore"
	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
	"github.com/oetiker/go-cert-fleet-manager/pkg/config"
	"github.com/oetiker/go-cert-fleet-manager/pkg/dnsprovider"
)

const restartCommand = "utils service restart Cisco Tomcat"

// performRenewal runs the full renewal flow for one connection. Any
// returned error moves the status to failed; a nil return means the
// status reached completed.
func (o *Orchestrator) performRenewal(ctx context.Context, conn *common.Connection, id string) error {
	fqdn := conn.FQDN()
	env := o.cfg.Environment()

	// A previously issued certificate with more than the reuse window
	// of validity left is installed again instead of ordering a new
	// one. Rate limits at the authority make fresh orders expensive.
	if chainPEM, ok := o.certs.ReusableCertificate(fqdn, env); ok {
		o.appendLog(conn, id, fmt.Sprintf("Reusing stored certificate for %s (still valid beyond the reuse window)", fqdn))
		if err := o.installCertificate(ctx, conn, id, chainPEM); err != nil {
			return err
		}
		o.finishRenewal(ctx, conn, id, false)
		return nil
	}

	o.transition(conn, id, common.StateGeneratingCSR, "Generating certificate signing request")
	csrPEM, err := o.obtainCSR(ctx, conn, id)
	if err != nil {
		return err
	}
	o.appendLog(conn, id, "CSR generated successfully")

	o.transition(conn, id, common.StateCreatingAccount, "Preparing ACME account")
	ac, err := o.newACMEClient(conn.SSLProvider)
	if err != nil {
		return err
	}
	acct, err := ac.CreateAccount(ctx, o.cfg.Email, fqdn)
	if err != nil {
		return err
	}

	o.transition(conn, id, common.StateRequestingCertificate, "Requesting certificate order")
	order, challenges, err := ac.RequestCertificate(ctx, acct, conn.Domains())
	if err != nil {
		return err
	}

	provider, err := o.providerFor(ctx, conn)
	if err != nil {
		return err
	}

	o.transition(conn, id, common.StateCreatingDNSChallenge, "Creating DNS challenge records")
	records, err := o.publishChallenges(ctx, conn, id, ac, acct, provider, challenges)
	// Challenge records are removed once the renewal ends, success or
	// not, unless staging is configured to keep them.
	defer o.cleanupRecords(conn, provider, records)
	if err != nil {
		return err
	}

	if manual, ok := provider.(*dnsprovider.ManualProvider); ok {
		if err := o.awaitManualDNS(ctx, conn, id, manual, records); err != nil {
			return err
		}
	} else {
		if err := o.awaitPropagation(ctx, conn, id, provider, records); err != nil {
			return err
		}
	}
	o.appendLog(conn, id, "DNS propagation verified")

	o.transition(conn, id, common.StateCompletingValidation, "Completing ACME validation")
	for _, ch := range challenges {
		if err := ac.CompleteChallenge(ctx, acct, ch); err != nil {
			return err
		}
	}
	// Give the authority's validators a moment before polling; they
	// may still be fetching the records.
	if err := o.sleep(ctx, config.DefaultChallengeGrace); err != nil {
		return err
	}
	order, err = ac.WaitForOrder(ctx, acct, order)
	if err != nil {
		return err
	}

	o.transition(conn, id, common.StateDownloadingCertificate, "Downloading issued certificate")
	chainPEM, err := ac.FinalizeCertificate(ctx, acct, order, csrPEM)
	if err != nil {
		return err
	}
	o.appendLog(conn, id, "Certificate obtained")

	generalCopies := conn.ApplicationType == common.AppTypeGeneral
	if err := o.certs.SaveCertificates(fqdn, env, chainPEM, generalCopies); err != nil {
		return err
	}

	if err := o.installCertificate(ctx, conn, id, chainPEM); err != nil {
		return err
	}

	o.finishRenewal(ctx, conn, id, true)
	return nil
}

// obtainCSR returns the CSR for the connection. VOS appliances
// generate it through the device API; other connections must supply a
// custom CSR, whose optional private key is stored alongside it.
func (o *Orchestrator) obtainCSR(ctx context.Context, conn *common.Connection, id string) ([]byte, error) {
	fqdn := conn.FQDN()

	if conn.ApplicationType == common.AppTypeVOS {
		// A CSR from an earlier attempt is still bound to the device
		// key pair and can be resubmitted.
		if stored, err := o.certs.LoadCSR(fqdn); err != nil {
			return nil, err
		} else if stored != nil {
			o.appendLog(conn, id, "Reusing previously generated CSR")
			return stored, nil
		}
		csr, err := o.device.GenerateCSR(ctx, conn)
		if err != nil {
			return nil, err
		}
		csrPEM := []byte(csr)
		if err := o.certs.SaveCSR(fqdn, csrPEM); err != nil {
			return nil, err
		}
		return csrPEM, nil
	}

	if strings.TrimSpace(conn.CustomCSR) == "" {
		return nil, common.NewError(common.KindConfigMissing, "obtain csr",
			fmt.Sprintf("connection %d has no custom CSR; non-appliance connections must provide one", conn.ID)).
			WithResource(fqdn)
	}
	csrPEM, keyPEM, err := certstore.ExtractCSRBlocks(conn.CustomCSR)
	if err != nil {
		return nil, common.WrapError(err, common.KindCSRFormatInvalid, "obtain csr",
			"custom CSR is not valid PEM").WithResource(fqdn)
	}
	if err := o.certs.SaveCSR(fqdn, csrPEM); err != nil {
		return nil, err
	}
	if keyPEM != nil {
		if err := o.certs.SavePrivateKey(fqdn, keyPEM); err != nil {
			return nil, err
		}
	}
	return csrPEM, nil
}

func (o *Orchestrator) providerFor(ctx context.Context, conn *common.Connection) (dnsprovider.Provider, error) {
	settings, err := o.store.GetSettingsByProvider(ctx, conn.DNSProvider)
	if err != nil {
		return nil, err
	}
	return o.newProvider(conn.DNSProvider, settings)
}

// publishChallenges creates one TXT record per challenge, after
// purging leftovers from earlier attempts. Records created before a
// failure are returned so the caller can clean them up.
func (o *Orchestrator) publishChallenges(ctx context.Context, conn *common.Connection, id string,
	ac ACME, acct *acmeclient.Account, provider dnsprovider.Provider,
	challenges []acmeclient.Challenge) ([]dnsprovider.Record, error) {

	var records []dnsprovider.Record
	for _, ch := range challenges {
		keyAuth, err := ac.KeyAuthorization(acct, ch.Token)
		if err != nil {
			return records, err
		}
		if err := provider.CleanupTxtRecords(ctx, ch.Identifier, ch.Token, keyAuth); err != nil {
			o.logger.Warn().Str("domain", ch.Identifier).Err(err).Msg("stale challenge cleanup failed")
		}
		rec, err := provider.CreateTxtRecord(ctx, ch.Identifier, ch.Token, keyAuth)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
		o.appendLog(conn, id, fmt.Sprintf("Created DNS TXT record %s", rec.FQDN))
	}
	return records, nil
}

// awaitPropagation waits until every resolver in the panel serves all
// challenge records, within the propagation timeout.
func (o *Orchestrator) awaitPropagation(ctx context.Context, conn *common.Connection, id string,
	provider dnsprovider.Provider, records []dnsprovider.Record) error {

	o.transition(conn, id, common.StateWaitingDNSPropagation, "Waiting for DNS propagation")
	deadline := time.Now().Add(o.cfg.PropagationTimeout)
	for _, rec := range records {
		ok, err := o.awaitRecord(ctx, provider, rec, deadline)
		if err != nil {
			return err
		}
		if !ok {
			return common.NewError(common.KindPropagationTimeout, "verify dns propagation",
				fmt.Sprintf("record %s did not propagate within %s", rec.FQDN, o.cfg.PropagationTimeout)).
				WithResource(conn.FQDN())
		}
	}
	return nil
}

// awaitManualDNS publishes the operator instructions on the status and
// polls until the records appear or the manual window closes.
func (o *Orchestrator) awaitManualDNS(ctx context.Context, conn *common.Connection, id string,
	manual *dnsprovider.ManualProvider, records []dnsprovider.Record) error {

	if len(records) > 0 {
		entry := manual.Entry(records[0])
		o.setManualDNS(id, &entry)
	}
	o.transition(conn, id, common.StateWaitingManualDNS,
		"Waiting for manually created DNS records; see the manual DNS entry for instructions")

	deadline := time.Now().Add(o.cfg.ManualDNSTimeout)
	for _, rec := range records {
		ok, err := o.awaitRecord(ctx, manual, rec, deadline)
		if err != nil {
			return err
		}
		if !ok {
			return common.NewError(common.KindManualDNSTimeout, "await manual dns",
				fmt.Sprintf("record %s was not created within %s", rec.FQDN, o.cfg.ManualDNSTimeout)).
				WithResource(conn.FQDN())
		}
	}
	return nil
}

func (o *Orchestrator) awaitRecord(ctx context.Context, provider dnsprovider.Provider, rec dnsprovider.Record, deadline time.Time) (bool, error) {
	for {
		ok, err := provider.VerifyTxtRecord(ctx, rec.FQDN, rec.Value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := o.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := o.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// installCertificate publishes the chain to its destination. VOS
// appliances get the leaf as identity certificate and the rest of the
// chain into the trust store; other connection types are served from
// the on-disk copies alone.
func (o *Orchestrator) installCertificate(ctx context.Context, conn *common.Connection, id string, chainPEM []byte) error {
	o.transition(conn, id, common.StateUploadingCertificate, "Installing certificate")

	if conn.ApplicationType != common.AppTypeVOS {
		return nil
	}

	blocks := certstore.SplitChain(chainPEM)
	if len(blocks) == 0 {
		return common.NewError(common.KindCertificateParse, "install certificate",
			"issued chain contained no certificates").WithResource(conn.FQDN())
	}

	var trust []string
	for _, block := range blocks[1:] {
		trust = append(trust, string(block))
	}
	if len(trust) > 0 {
		if err := o.device.UploadTrustCertificates(ctx, conn, trust); err != nil {
			return err
		}
	}
	if err := o.device.UploadIdentityCertificate(ctx, conn, string(blocks[0])); err != nil {
		return err
	}
	o.appendLog(conn, id, "Certificate uploaded to device")

	if conn.EnableSSH && conn.AutoRestartService {
		o.restartService(ctx, conn, id)
	}
	return nil
}

// restartService restarts the device web service so it picks up the
// new certificate. A failed restart does not fail the renewal; the
// operator can restart by hand.
func (o *Orchestrator) restartService(ctx context.Context, conn *common.Connection, id string) {
	o.appendLog(conn, id, "Restarting device service over SSH")
	if _, err := o.ssh.ExecuteCommand(ctx, conn.FQDN(), conn.Username, conn.Password,
		restartCommand, o.cfg.SSHTimeout); err != nil {
		o.logger.Warn().Str("fqdn", conn.FQDN()).Err(err).Msg("service restart failed")
		o.appendLog(conn, id, "WARNING: service restart failed: "+err.Error())
		return
	}
	o.logger.Info().Str("fqdn", conn.FQDN()).Msg("device service restarted")
	o.appendLog(conn, id, "Device service restarted")
}

// finishRenewal records issuance bookkeeping on the connection and
// moves the status to completed. freshIssue is false when a stored
// certificate was reused; reuse does not count against the weekly
// issuance counter.
func (o *Orchestrator) finishRenewal(ctx context.Context, conn *common.Connection, id string, freshIssue bool) {
	if freshIssue {
		now := time.Now().UTC()
		count := conn.CertCountThisWeek + 1
		resetDate := conn.CertCountResetDate
		if resetDate == nil || now.Sub(*resetDate) > 7*24*time.Hour {
			count = 1
			resetDate = &now
		}
		fields := map[string]any{
			"last_cert_issued":      now,
			"cert_count_this_week":  count,
			"cert_count_reset_date": *resetDate,
		}
		if err := o.store.UpdateConnection(ctx, conn.ID, fields); err != nil {
			o.logger.Warn().Int64("connection_id", conn.ID).Err(err).
				Msg("failed to record certificate issuance")
		}
	}

	o.transition(conn, id, common.StateCompleted, "Renewal completed successfully")
}

// cleanupRecords deletes the challenge TXT records. Staging runs keep
// them unless cleanup_dns is set, so repeated test renewals do not
// hammer the DNS provider.
func (o *Orchestrator) cleanupRecords(conn *common.Connection, provider dnsprovider.Provider, records []dnsprovider.Record) {
	if len(records) == 0 {
		return
	}
	if o.cfg.Staging && !o.cfg.CleanupDNS {
		o.logger.Debug().Str("fqdn", conn.FQDN()).Int("records", len(records)).
			Msg("leaving staging challenge records in place")
		return
	}

	// The renewal context may already be cancelled; record deletion
	// gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, rec := range records {
		if err := provider.DeleteTxtRecord(ctx, rec); err != nil {
			o.logger.Warn().Str("record", rec.FQDN).Err(err).Msg("challenge record deletion failed")
		}
	}
}
