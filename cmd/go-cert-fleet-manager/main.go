// Command go-cert-fleet-manager renews TLS certificates for a fleet of
// managed connections via ACME DNS-01 validation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/certstore"
	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
	"github.com/oetiker/go-cert-fleet-manager/pkg/config"
	"github.com/oetiker/go-cert-fleet-manager/pkg/orchestrator"
	"github.com/oetiker/go-cert-fleet-manager/pkg/sshrunner"
	"github.com/oetiker/go-cert-fleet-manager/pkg/store"
)

var version = "dev"

func main() {
	var (
		configPath    = flag.String("config", "", "Path to the YAML configuration file (optional; environment defaults apply without one)")
		renewID       = flag.Int64("renew", 0, "Start a renewal for the given connection id and wait for it to finish")
		statusID      = flag.String("status", "", "Print the status of the given renewal id")
		cancelID      = flag.String("cancel", "", "Cancel the given renewal id")
		testSSHID     = flag.Int64("test-ssh", 0, "Test the SSH credentials of the given connection id")
		printTemplate = flag.Bool("print-config-template", false, "Print a configuration file template and exit")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		showVersion   = flag.Bool("version", false, "Print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-cert-fleet-manager %s\n", version)
		return
	}
	if *printTemplate {
		if err := config.GenerateTemplate(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := newLogger(*debug)

	if err := run(logger, *configPath, *renewID, *statusID, *cancelID, *testSSHID); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run(logger zerolog.Logger, configPath string, renewID int64, statusID, cancelID string, testSSHID int64) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info().Str("environment", cfg.Environment()).Str("db", cfg.DBPath).Msg("starting")

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	certs := certstore.New(cfg.AccountsDir, logger)
	ssh := sshrunner.New(logger)
	orch := orchestrator.New(cfg, db, certs, ssh, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.RecoverInterrupted(ctx); err != nil {
		logger.Warn().Err(err).Msg("crash recovery incomplete")
	}

	switch {
	case renewID != 0:
		return runRenewal(ctx, logger, orch, renewID)
	case statusID != "":
		return printStatus(ctx, orch, statusID)
	case cancelID != "":
		if err := orch.CancelRenewal(ctx, cancelID); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for renewal %s\n", cancelID)
		return nil
	case testSSHID != 0:
		return testSSH(ctx, db, ssh, testSSHID)
	default:
		flag.Usage()
		return fmt.Errorf("no action given; use -renew, -status, -cancel or -test-ssh")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv(), nil
	}
	return config.Load(path)
}

// runRenewal starts the renewal and streams its status log until it
// reaches a terminal state. Interrupting the command cancels the
// renewal cooperatively.
func runRenewal(ctx context.Context, logger zerolog.Logger, orch *orchestrator.Orchestrator, connectionID int64) error {
	started, err := orch.StartRenewal(ctx, connectionID)
	if err != nil {
		return err
	}
	id := started.ID
	fmt.Printf("Renewal %s started for connection %d\n", id, connectionID)

	printed := 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("interrupt received, cancelling renewal")
			_ = orch.CancelRenewal(context.Background(), id)
			orch.Stop()
			return fmt.Errorf("renewal %s cancelled", id)
		case <-ticker.C:
		}

		status, err := orch.GetRenewalStatus(ctx, id)
		if err != nil {
			return err
		}
		for ; printed < len(status.Logs); printed++ {
			fmt.Println(status.Logs[printed])
		}
		if status.ManualDNS != nil && status.State == common.StateWaitingManualDNS {
			fmt.Printf("ACTION REQUIRED: %s\n", status.ManualDNS.Instructions)
		}
		if status.State.Terminal() {
			orch.Stop()
			if status.State == common.StateFailed {
				return fmt.Errorf("renewal failed: %s", status.Error)
			}
			fmt.Printf("Renewal %s completed (%d%%)\n", id, status.Progress)
			return nil
		}
	}
}

func printStatus(ctx context.Context, orch *orchestrator.Orchestrator, id string) error {
	status, err := orch.GetRenewalStatus(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Renewal:    %s\n", status.ID)
	fmt.Printf("Connection: %d\n", status.ConnectionID)
	fmt.Printf("State:      %s (%d%%)\n", status.State, status.Progress)
	fmt.Printf("Message:    %s\n", status.Message)
	fmt.Printf("Started:    %s\n", status.StartTime.Format(time.RFC3339))
	if status.EndTime != nil {
		fmt.Printf("Ended:      %s\n", status.EndTime.Format(time.RFC3339))
	}
	if status.Error != "" {
		fmt.Printf("Error:      %s\n", status.Error)
	}
	if status.ManualDNS != nil {
		fmt.Printf("Manual DNS: %s TXT %q\n", status.ManualDNS.RecordName, status.ManualDNS.RecordValue)
	}
	for _, line := range status.Logs {
		fmt.Println(line)
	}
	return nil
}

func testSSH(ctx context.Context, db *store.SQLiteStore, ssh common.SSHRunner, connectionID int64) error {
	conn, err := db.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := ssh.TestConnection(ctx, conn.FQDN(), conn.Username, conn.Password); err != nil {
		return fmt.Errorf("ssh test for %s failed: %w", conn.FQDN(), err)
	}
	fmt.Printf("SSH connection to %s verified\n", conn.FQDN())
	return nil
}
