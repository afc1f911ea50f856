package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrHostRequired          = errors.New("remote host is required")
	ErrBucketRequired        = errors.New("bucket is required")
	ErrInvalidGCSURI         = errors.New("invalid gs:// URI")
	ErrRemoteClosed          = errors.New("remote is closed")
	ErrHostKeyPolicyRequired = errors.New("a known hosts file is required unless host key checking is disabled")
)

// Remote is a destination that accepts whole files by name
type Remote interface {
	Store(ctx context.Context, name string, r io.Reader) error
	Close() error
}

// StoreError is a failed transfer of one file
type StoreError struct {
	Remote string
	Name   string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: storing %s: %v", e.Remote, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
