package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPConfig holds FTP connection settings
type FTPConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	RemoteDir string
	Timeout   time.Duration
	// PoolSize caps concurrent control connections
	PoolSize int
}

// ftpConn is the subset of *ftp.ServerConn the remote needs
type ftpConn interface {
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialFunc func(ctx context.Context) (ftpConn, error)

// FTPRemote stores files over a pool of logged-in FTP connections.
// An ftp.ServerConn handles one command at a time, so each Store holds a connection exclusively.
type FTPRemote struct {
	dial ftpDialFunc
	dir  string

	slots chan struct{}
	mu    sync.Mutex
	idle  []ftpConn
	done  bool
}

// NewFTPRemote creates a pooled FTP remote. Connections are dialed lazily.
func NewFTPRemote(config FTPConfig) (*FTPRemote, error) {
	if config.Host == "" {
		return nil, ErrHostRequired
	}
	if config.Port == 0 {
		config.Port = 21
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	dial := func(ctx context.Context) (ftpConn, error) {
		c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(config.Timeout))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		if err := c.Login(config.User, config.Password); err != nil {
			c.Quit()
			return nil, fmt.Errorf("ftp login failed: %w", err)
		}
		return c, nil
	}
	return newFTPRemote(dial, config.RemoteDir, config.PoolSize), nil
}

func newFTPRemote(dial ftpDialFunc, dir string, poolSize int) *FTPRemote {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &FTPRemote{
		dial:  dial,
		dir:   dir,
		slots: make(chan struct{}, poolSize),
	}
}

func (f *FTPRemote) acquire(ctx context.Context) (ftpConn, error) {
	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		<-f.slots
		return nil, ErrRemoteClosed
	}
	if n := len(f.idle); n > 0 {
		conn := f.idle[n-1]
		f.idle = f.idle[:n-1]
		f.mu.Unlock()
		return conn, nil
	}
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		<-f.slots
		return nil, err
	}
	return conn, nil
}

// release returns conn to the pool; a connection that failed a transfer is discarded
func (f *FTPRemote) release(conn ftpConn, broken bool) {
	defer func() { <-f.slots }()

	f.mu.Lock()
	if broken || f.done {
		f.mu.Unlock()
		conn.Quit()
		return
	}
	f.idle = append(f.idle, conn)
	f.mu.Unlock()
}

// Store uploads r as dir/name in binary mode
func (f *FTPRemote) Store(ctx context.Context, name string, r io.Reader) error {
	conn, err := f.acquire(ctx)
	if err != nil {
		return &StoreError{Remote: "ftp", Name: name, Err: err}
	}

	target := name
	if f.dir != "" {
		target = path.Join(f.dir, name)
	}

	err = conn.Stor(target, &contextReader{ctx: ctx, r: r})
	f.release(conn, err != nil)
	if err != nil {
		return &StoreError{Remote: "ftp", Name: name, Err: err}
	}
	return nil
}

// Close quits every idle connection; connections in use are quit when released
func (f *FTPRemote) Close() error {
	f.mu.Lock()
	f.done = true
	idle := f.idle
	f.idle = nil
	f.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Quit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
