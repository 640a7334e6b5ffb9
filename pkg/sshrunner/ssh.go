// Package sshrunner executes maintenance commands on devices over SSH
// with password authentication.
package sshrunner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

const (
	defaultPort    = "22"
	connectTimeout = 15 * time.Second
)

// Runner implements common.SSHRunner on top of golang.org/x/crypto/ssh.
type Runner struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger.With().Str("component", "ssh").Logger()}
}

func (r *Runner) dial(ctx context.Context, host, user, password string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // devices have no managed host keys
		Timeout:         connectTimeout,
	}

	// Hosts are plain names by convention; an explicit port wins.
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, defaultPort)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	// The handshake is not context-aware; closing the connection
	// unblocks it when the context ends.
	type handshakeResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan handshakeResult, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
		if err != nil {
			done <- handshakeResult{err: err}
			return
		}
		done <- handshakeResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			netConn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, res.err)
		}
		return res.client, nil
	case <-ctx.Done():
		netConn.Close()
		<-done
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
}

// TestConnection opens and immediately closes an authenticated session.
func (r *Runner) TestConnection(ctx context.Context, host, user, password string) error {
	client, err := r.dial(ctx, host, user, password)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", host, err)
	}
	session.Close()
	r.logger.Info().Str("host", host).Msg("ssh connection verified")
	return nil
}

// ExecuteCommand runs a single command and returns its combined output.
// The connection is torn down when the timeout or the context expires,
// which unblocks the session wait.
func (r *Runner) ExecuteCommand(ctx context.Context, host, user, password, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.dial(ctx, host, user, password)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session on %s: %w", host, err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		err = ctx.Err()
	}
	if err != nil {
		return output.String(), common.WrapError(err, common.KindDeviceAPI, "execute ssh command",
			fmt.Sprintf("command %q failed", command)).WithResource(host)
	}
	r.logger.Info().Str("host", host).Str("command", command).Msg("ssh command completed")
	return output.String(), nil
}
