// Package orchestrator drives certificate renewals: one background
// task per connection, with live status tracking, cancellation and
// crash recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/acmeclient"
	"github.com/oetiker/go-cert-fleet-manager/pkg/certstore"
	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
	"github.com/oetiker/go-cert-fleet-manager/pkg/config"
	"github.com/oetiker/go-cert-fleet-manager/pkg/dnsprovider"
	"github.com/oetiker/go-cert-fleet-manager/pkg/vos"
)

// ACME is the slice of the ACME client the renewal flow consumes.
type ACME interface {
	CreateAccount(ctx context.Context, email, fqdn string) (*acmeclient.Account, error)
	RequestCertificate(ctx context.Context, acct *acmeclient.Account, domains []string) (*acmeclient.Order, []acmeclient.Challenge, error)
	KeyAuthorization(acct *acmeclient.Account, token string) (string, error)
	CompleteChallenge(ctx context.Context, acct *acmeclient.Account, ch acmeclient.Challenge) error
	WaitForOrder(ctx context.Context, acct *acmeclient.Account, order *acmeclient.Order) (*acmeclient.Order, error)
	FinalizeCertificate(ctx context.Context, acct *acmeclient.Account, order *acmeclient.Order, csrPEM []byte) ([]byte, error)
}

// Device is the appliance adapter surface used for VOS connections.
type Device interface {
	GenerateCSR(ctx context.Context, conn *common.Connection) (string, error)
	UploadIdentityCertificate(ctx context.Context, conn *common.Connection, leafPEM string) error
	UploadTrustCertificates(ctx context.Context, conn *common.Connection, chainPEMs []string) error
}

// Orchestrator owns the renewal lifecycle. At most one renewal runs
// per connection at any time.
type Orchestrator struct {
	cfg    *config.Config
	store  common.ConfigStore
	certs  *certstore.Store
	ssh    common.SSHRunner
	device Device
	logger zerolog.Logger

	// Factories are fields so tests can substitute fakes.
	newACMEClient func(sslProvider string) (ACME, error)
	newProvider   func(name string, settings map[string]string) (dnsprovider.Provider, error)
	sleep         func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	active   map[int64]string // connection id -> renewal id
	statuses map[string]*common.RenewalStatus
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New wires the orchestrator with its production collaborators.
func New(cfg *config.Config, store common.ConfigStore, certs *certstore.Store, ssh common.SSHRunner, logger zerolog.Logger) *Orchestrator {
	logger = logger.With().Str("component", "orchestrator").Logger()
	verifier := dnsprovider.NewVerifier(cfg.Resolvers, cfg.PollInterval, logger)

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		certs:    certs,
		ssh:      ssh,
		device:   vos.NewClient(cfg.HTTPTimeout, logger),
		logger:   logger,
		active:   make(map[int64]string),
		statuses: make(map[string]*common.RenewalStatus),
		cancels:  make(map[string]context.CancelFunc),
	}
	o.newACMEClient = func(sslProvider string) (ACME, error) {
		return acmeclient.New(certs, sslProvider, cfg.Staging, cfg.HTTPTimeout, cfg.OrderTimeout, logger)
	}
	o.newProvider = func(name string, settings map[string]string) (dnsprovider.Provider, error) {
		return dnsprovider.New(name, settings, verifier, logger)
	}
	o.sleep = sleepCtx
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StartRenewal launches a background renewal for the connection and
// returns the initial status snapshot. A second start while one is
// running fails with an AlreadyActive error.
func (o *Orchestrator) StartRenewal(ctx context.Context, connectionID int64) (*common.RenewalStatus, error) {
	conn, err := o.store.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if runningID, ok := o.active[connectionID]; ok {
		o.mu.Unlock()
		return nil, common.NewError(common.KindAlreadyActive, "start renewal",
			fmt.Sprintf("renewal %s is already running for connection %d", runningID, connectionID))
	}

	id := uuid.NewString()
	status := &common.RenewalStatus{
		ID:           id,
		ConnectionID: connectionID,
		State:        common.StatePending,
		Message:      "Renewal queued",
		Progress:     common.StatePending.Progress(),
		StartTime:    time.Now().UTC(),
	}
	status.Logs = append(status.Logs, logLine("Renewal started for "+conn.FQDN()))

	taskCtx, cancel := context.WithCancel(context.Background())
	o.active[connectionID] = id
	o.statuses[id] = status
	o.cancels[id] = cancel
	o.mu.Unlock()

	snapshot := status.Clone()
	o.persist(snapshot)
	o.logger.Info().Str("renewal_id", id).Int64("connection_id", connectionID).
		Str("fqdn", conn.FQDN()).Msg("renewal started")

	o.wg.Add(1)
	go o.run(taskCtx, cancel, conn, id)
	return snapshot, nil
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, conn *common.Connection, id string) {
	defer o.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.fail(conn, id, fmt.Errorf("renewal panicked: %v", r))
		}
		o.mu.Lock()
		delete(o.active, conn.ID)
		delete(o.cancels, id)
		o.mu.Unlock()
	}()

	if err := o.performRenewal(ctx, conn, id); err != nil {
		o.fail(conn, id, err)
	}
}

// GetRenewalStatus returns a snapshot of the renewal, from memory for
// live renewals and from the store for past ones.
func (o *Orchestrator) GetRenewalStatus(ctx context.Context, id string) (*common.RenewalStatus, error) {
	o.mu.Lock()
	if status, ok := o.statuses[id]; ok {
		clone := status.Clone()
		o.mu.Unlock()
		return clone, nil
	}
	o.mu.Unlock()

	status, err := o.store.GetRenewalStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	status.Progress = status.State.Progress()

	// Cache the reconstructed record; persisted lookups are for
	// finished renewals, so the cached copy never goes stale.
	o.mu.Lock()
	if _, ok := o.statuses[id]; !ok {
		o.statuses[id] = status.Clone()
	}
	o.mu.Unlock()
	return status, nil
}

// CancelRenewal requests cooperative cancellation. Cancelling a
// renewal that already finished is a no-op.
func (o *Orchestrator) CancelRenewal(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()
	if running {
		o.logger.Info().Str("renewal_id", id).Msg("cancellation requested")
		cancel()
		return nil
	}

	// Idempotent on finished renewals; unknown ids are an error.
	if _, err := o.GetRenewalStatus(ctx, id); err != nil {
		return err
	}
	return nil
}

// RecoverInterrupted marks every persisted non-terminal status as
// failed. Called once at startup: such statuses can only come from a
// process that died mid-renewal.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	statuses, err := o.store.ListUnfinishedRenewalStatuses(ctx)
	if err != nil {
		return fmt.Errorf("listing interrupted renewals: %w", err)
	}
	for _, status := range statuses {
		now := time.Now().UTC()
		cause := common.NewError(common.KindInterrupted, "recover renewal",
			"renewal interrupted by service restart")
		status.State = common.StateFailed
		status.Progress = common.StateFailed.Progress()
		status.Message = "Renewal interrupted by service restart"
		status.Error = cause.Error()
		status.EndTime = &now
		status.Logs = append(status.Logs, logLine("ERROR: "+cause.Error()))
		if err := o.store.SaveRenewalStatus(ctx, status); err != nil {
			o.logger.Warn().Str("renewal_id", status.ID).Err(err).Msg("failed to mark interrupted renewal")
			continue
		}
		o.logger.Info().Str("renewal_id", status.ID).Msg("marked interrupted renewal as failed")
	}
	return nil
}

// Stop cancels every running renewal and waits for the tasks to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func logLine(message string) string {
	return fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), message)
}

// transition moves the renewal to the given state and records the
// message in the status log and the domain's renewal log.
func (o *Orchestrator) transition(conn *common.Connection, id string, state common.RenewalState, message string) {
	o.mu.Lock()
	status, ok := o.statuses[id]
	if ok {
		status.State = state
		status.Message = message
		status.Progress = state.Progress()
		status.Logs = append(status.Logs, logLine(message))
		if state.Terminal() && status.EndTime == nil {
			now := time.Now().UTC()
			status.EndTime = &now
		}
		status = status.Clone()
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	o.persist(status)
	o.certs.AppendRenewalLog(conn.FQDN(), message)
	o.logger.Info().Str("renewal_id", id).Str("state", string(state)).Msg(message)
}

// appendLog adds a log line without changing state.
func (o *Orchestrator) appendLog(conn *common.Connection, id, message string) {
	o.mu.Lock()
	status, ok := o.statuses[id]
	if ok {
		status.Logs = append(status.Logs, logLine(message))
		status = status.Clone()
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.persist(status)
	o.certs.AppendRenewalLog(conn.FQDN(), message)
}

func (o *Orchestrator) setManualDNS(id string, entry *common.ManualDNSEntry) {
	o.mu.Lock()
	if status, ok := o.statuses[id]; ok {
		status.ManualDNS = entry
	}
	o.mu.Unlock()
}

func (o *Orchestrator) fail(conn *common.Connection, id string, err error) {
	if errors.Is(err, context.Canceled) && !common.IsKind(err, common.KindCancelled) {
		err = common.WrapError(err, common.KindCancelled, "renewal", "renewal cancelled")
	}

	o.mu.Lock()
	status, ok := o.statuses[id]
	if ok {
		now := time.Now().UTC()
		status.State = common.StateFailed
		status.Progress = common.StateFailed.Progress()
		status.Message = "Renewal failed"
		status.Error = err.Error()
		status.EndTime = &now
		status.Logs = append(status.Logs, logLine("ERROR: "+err.Error()))
		status = status.Clone()
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	o.persist(status)
	o.certs.AppendRenewalLog(conn.FQDN(), "ERROR: "+err.Error())
	o.logger.Error().Str("renewal_id", id).Err(err).Msg("renewal failed")
}

// persist writes the status snapshot with a fresh context so the final
// states survive renewal cancellation. Store failures only degrade
// status history, never the renewal itself.
func (o *Orchestrator) persist(status *common.RenewalStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.SaveRenewalStatus(ctx, status); err != nil {
		o.logger.Warn().Str("renewal_id", status.ID).Err(err).Msg("failed to persist renewal status")
	}
}
