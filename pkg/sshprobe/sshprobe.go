// Package sshprobe checks that a host accepts an SSH session.
package sshprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrHandshake is returned when the SSH handshake or key auth fails.
	ErrHandshake = errors.New("ssh: handshake failed")
	// ErrUnreachable is returned when no TCP connection could be made.
	ErrUnreachable = errors.New("ssh: host unreachable")
)

// Target identifies the SSH endpoint and the key to log in with.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
}

// Prober opens a session and runs a no-op command.
type Prober struct {
	Timeout time.Duration
}

// Probe dials target, authenticates and runs `true`.
func (p Prober) Probe(ctx context.Context, target Target) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	port := target.Port
	if port == 0 {
		port = 22
	}

	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return fmt.Errorf("ssh: parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //#nosec
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: open session on %s: %w", addr, err)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return fmt.Errorf("ssh: run on %s: %w", addr, err)
	}
	return nil
}
