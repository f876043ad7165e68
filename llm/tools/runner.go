// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner runs a shell command on the system being queried and returns its
// standard output.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// Shell defaults to /bin/sh.
	Shell string
}

// Run implements Runner.
func (e *ExecRunner) Run(ctx context.Context, cmd string) (string, error) {
	sh := e.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	c := exec.CommandContext(ctx, sh, "-c", cmd)
	stderr := bytes.Buffer{}
	c.Stderr = &stderr
	out, err := c.Output()
	if err != nil {
		return "", fmt.Errorf("%q failed: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// SSHOptions configures an SSHRunner.
type SSHOptions struct {
	// Addr is the host:port of the ssh server.
	Addr string `yaml:"addr"`
	User string `yaml:"user"`
	// KeyFile is the path to an unencrypted private key.
	KeyFile string `yaml:"key_file"`
	// KnownHosts is the path to a known_hosts file used to verify the server.
	KnownHosts string `yaml:"known_hosts"`
	// InsecureIgnoreHostKey disables server verification when KnownHosts is
	// empty.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`
}

// SSHRunner runs commands over ssh. Each command uses its own connection.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHRunner loads the key and host verification material.
func NewSSHRunner(opts *SSHOptions) (*SSHRunner, error) {
	if opts.Addr == "" || opts.User == "" || opts.KeyFile == "" {
		return nil, errors.New("ssh: addr, user and key_file are required")
	}
	b, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("ssh: failed to read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("ssh: failed to parse key %q: %w", opts.KeyFile, err)
	}
	var hostKey ssh.HostKeyCallback
	switch {
	case opts.KnownHosts != "":
		if hostKey, err = knownhosts.New(opts.KnownHosts); err != nil {
			return nil, fmt.Errorf("ssh: failed to load known_hosts: %w", err)
		}
	case opts.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("ssh: known_hosts is required unless insecure_ignore_host_key is set")
	}
	return &SSHRunner{
		addr: opts.Addr,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         10 * time.Second,
		},
	}, nil
}

// Run implements Runner.
func (s *SSHRunner) Run(ctx context.Context, cmd string) (string, error) {
	d := net.Dialer{Timeout: s.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("ssh: failed to connect: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("ssh: handshake failed: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()
	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh: failed to open session: %w", err)
	}
	defer sess.Close()
	stderr := bytes.Buffer{}
	sess.Stderr = &stderr
	out, err := sess.Output(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", fmt.Errorf("ssh: %q failed: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
