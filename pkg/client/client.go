// Package client drives hank-sync requests against a server: one stream
// per operation, one request and one response per stream.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/crypto/blake2b"

	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/trust"
	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
	"github.com/hmaj79-hank/hank-sync/pkg/retry"
)

// ErrUnexpectedResponse is returned when the server answers with a
// response kind the operation does not expect.
var ErrUnexpectedResponse = errors.New("unexpected response")

// ServerError carries the message of an Error response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// ProgressFunc receives the running byte count of a transfer.
type ProgressFunc func(remote string, done, total uint64)

// Config holds client configuration.
type Config struct {
	Verifier trust.Verifier // nil trusts any server
	Retry    retry.Config   // zero value selects retry.DefaultConfig
	Progress ProgressFunc
}

// Client is one connection to a server.
type Client struct {
	conn     quic.Connection
	progress ProgressFunc
}

// Status summarizes the server's storage.
type Status struct {
	Root      string
	TotalSize uint64
	FileCount uint64
}

// Transfer describes one file sent by Put.
type Transfer struct {
	Local   string
	Remote  string
	Written uint64
}

// Dial connects to addr, retrying transient failures.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, wait time.Duration, err error) {
			logging.Warn("dial failed, retrying",
				logging.String("server", addr),
				logging.Int("attempt", attempt),
				logging.Duration("wait", wait),
				logging.Err(err))
		}
	}
	tc := trust.ClientConfig(cfg.Verifier)

	conn, err := retry.DoWithResult(ctx, cfg.Retry, func() (quic.Connection, error) {
		conn, err := quic.DialAddr(ctx, addr, tc.TLS, tc.QUIC)
		if err != nil {
			if transient(err) {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	logging.Debug("connected", logging.String("server", addr))
	return &Client{conn: conn, progress: cfg.Progress}, nil
}

func transient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Close ends the connection with application code 0, which the server
// records as a disconnect.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "done")
}

// Put sends a file, or every regular file below a directory, one stream
// per file in sequence. Remote names are dest/<base name> and
// dest/<dir name>/<relative path>; an empty dest means the server root.
func (c *Client) Put(ctx context.Context, local, dest string) ([]Transfer, error) {
	info, err := os.Stat(local)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(filepath.Clean(local))
	remoteBase := joinRemote(dest, base)

	if !info.IsDir() {
		n, err := c.PutFile(ctx, local, remoteBase)
		if err != nil {
			return nil, err
		}
		return []Transfer{{Local: local, Remote: remoteBase, Written: n}}, nil
	}

	var sent []Transfer
	err = filepath.WalkDir(local, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		remote := remoteBase + "/" + filepath.ToSlash(rel)
		n, err := c.PutFile(ctx, p, remote)
		if err != nil {
			return fmt.Errorf("put %s: %w", p, err)
		}
		sent = append(sent, Transfer{Local: p, Remote: remote, Written: n})
		return nil
	})
	return sent, err
}

func joinRemote(dest, name string) string {
	dest = strings.Trim(dest, "/")
	if dest == "" {
		return name
	}
	return path.Join(dest, name)
}

// PutFile sends one local file to remote and returns the byte count the
// server reports as written.
func (c *Client) PutFile(ctx context.Context, local, remote string) (uint64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hash, err := hashFile(f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", local, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return c.PutReader(ctx, remote, f, uint64(info.Size()), hash)
}

// hashFile returns the hex BLAKE2b-256 of r's remaining content. The
// server records it but does not verify it.
func hashFile(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.CopyBuffer(h, r, make([]byte, protocol.ChunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PutReader uploads size bytes from r. If r ends early the server stores
// what arrived and reports the smaller count.
func (c *Client) PutReader(ctx context.Context, remote string, r io.Reader, size uint64, hash string) (uint64, error) {
	logging.Debug("sending file", logging.String("remote", remote), logging.Uint64("size", size))

	str, resp, err := c.request(ctx, protocol.PutRequest(remote, size, hash))
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.StatusOK {
		abort(str)
		return 0, unexpected(resp)
	}

	var w io.Writer = str
	if c.progress != nil {
		w = &progressWriter{w: str, remote: remote, total: size, fn: c.progress}
	}
	if _, err := io.CopyBuffer(w, io.LimitReader(r, int64(size)), make([]byte, protocol.ChunkSize)); err != nil {
		abort(str)
		return 0, fmt.Errorf("send %s: %w", remote, err)
	}
	if err := str.Close(); err != nil {
		abort(str)
		return 0, err
	}

	resp, err = c.response(str)
	if err != nil {
		return 0, err
	}
	finish(str)
	if resp.Status != protocol.StatusDone {
		return 0, unexpected(resp)
	}
	return resp.Written, nil
}

// Get streams remote into w and returns the byte count.
func (c *Client) Get(ctx context.Context, remote string, w io.Writer) (uint64, error) {
	str, resp, err := c.request(ctx, protocol.GetRequest(remote))
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.StatusFile {
		abort(str)
		return 0, unexpected(resp)
	}
	str.Close()

	if c.progress != nil {
		w = &progressWriter{w: w, remote: remote, total: resp.Size, fn: c.progress}
	}
	n, err := io.CopyBuffer(w, io.LimitReader(str, int64(resp.Size)), make([]byte, protocol.ChunkSize))
	if err != nil {
		abort(str)
		return uint64(n), fmt.Errorf("receive %s: %w", remote, err)
	}
	finish(str)
	if uint64(n) != resp.Size {
		return uint64(n), fmt.Errorf("receive %s: got %d of %d bytes", remote, n, resp.Size)
	}
	return uint64(n), nil
}

// List returns the entries below remote in server iteration order.
func (c *Client) List(ctx context.Context, remote string, recursive, long bool) ([]protocol.FileEntry, error) {
	resp, err := c.exchange(ctx, protocol.ListRequest(remote, recursive, long))
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusList {
		return nil, unexpected(resp)
	}
	return resp.Entries, nil
}

// Status reports the server's root and usage.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	resp, err := c.exchange(ctx, protocol.StatusRequest())
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusStatus {
		return nil, unexpected(resp)
	}
	return &Status{Root: resp.Root, TotalSize: resp.TotalSize, FileCount: resp.FileCount}, nil
}

// exchange performs a request that carries no payload in either direction.
func (c *Client) exchange(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	str, resp, err := c.request(ctx, req)
	if err != nil {
		return protocol.Response{}, err
	}
	finish(str)
	return resp, nil
}

// request opens a stream, sends req and reads the first response. Error
// responses are returned as *ServerError with the stream already released.
func (c *Client) request(ctx context.Context, req protocol.Request) (quic.Stream, protocol.Response, error) {
	str, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, protocol.Response{}, fmt.Errorf("open stream: %w", err)
	}
	if err := protocol.WriteMessage(str, req); err != nil {
		abort(str)
		return nil, protocol.Response{}, fmt.Errorf("send %s request: %w", req.Cmd, err)
	}
	resp, err := c.response(str)
	if err != nil {
		return nil, protocol.Response{}, err
	}
	return str, resp, nil
}

func (c *Client) response(str quic.Stream) (protocol.Response, error) {
	var resp protocol.Response
	if err := protocol.ReadMessage(str, &resp); err != nil {
		abort(str)
		return resp, fmt.Errorf("read response: %w", err)
	}
	if resp.Status == protocol.StatusError {
		abort(str)
		return resp, &ServerError{Message: resp.Message}
	}
	return resp, nil
}

func unexpected(resp protocol.Response) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp)
}

// finish releases a stream after its last expected byte. The server's FIN
// may still be in flight, so reading is cancelled rather than drained.
func finish(str quic.Stream) {
	str.CancelRead(0)
	str.Close()
}

func abort(str quic.Stream) {
	str.CancelRead(0)
	str.CancelWrite(0)
}

type progressWriter struct {
	w      io.Writer
	remote string
	done   uint64
	total  uint64
	fn     ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += uint64(n)
	p.fn(p.remote, p.done, p.total)
	return n, err
}
