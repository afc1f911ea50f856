package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds SFTP connection settings
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// KnownHostsFile verifies the server key; when empty, InsecureIgnoreHostKey must be set
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	RemoteDir             string
	Timeout               time.Duration
}

// SFTPRemote stores files over one shared SFTP session.
// sftp.Client serializes requests internally and is safe for concurrent use.
type SFTPRemote struct {
	client *sftp.Client
	ssh    *ssh.Client
	dir    string
}

// DialSFTP opens an SSH connection with password auth and starts an SFTP session on it
func DialSFTP(ctx context.Context, config SFTPConfig) (*SFTPRemote, error) {
	if config.Host == "" {
		return nil, ErrHostRequired
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		cb, err := knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else if !config.InsecureIgnoreHostKey {
		return nil, fmt.Errorf("sftp: %w", ErrHostKeyPolicyRequired)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.Password(config.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}

	remote := NewSFTPRemote(client, config.RemoteDir)
	remote.ssh = sshClient
	return remote, nil
}

// NewSFTPRemote wraps an existing SFTP client; files land in dir (the login directory when empty)
func NewSFTPRemote(client *sftp.Client, dir string) *SFTPRemote {
	return &SFTPRemote{client: client, dir: dir}
}

// Store writes r to dir/name, truncating an existing file
func (s *SFTPRemote) Store(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := name
	if s.dir != "" {
		target = path.Join(s.dir, name)
	}

	f, err := s.client.Create(target)
	if err != nil {
		return &StoreError{Remote: "sftp", Name: name, Err: err}
	}
	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return &StoreError{Remote: "sftp", Name: name, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StoreError{Remote: "sftp", Name: name, Err: err}
	}
	return nil
}

// Close ends the SFTP session and the SSH connection it runs on
func (s *SFTPRemote) Close() error {
	err := s.client.Close()
	if s.ssh != nil {
		if sshErr := s.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}
