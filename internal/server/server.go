// Package server accepts transport connections, reads one request per
// stream and runs the matching command handler against a storage backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/hmaj79-hank/hank-sync/internal/audit"
	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/metrics"
	"github.com/hmaj79-hank/hank-sync/internal/storage"
	"github.com/hmaj79-hank/hank-sync/internal/trust"
)

// DefaultIdleTimeout bounds how long a put waits for the next payload bytes.
const DefaultIdleTimeout = 60 * time.Second

const (
	// codeDone is the application code for an orderly connection close.
	codeDone quic.ApplicationErrorCode = 0
	// codeFinished stops reading a stream whose exchange is complete.
	codeFinished quic.StreamErrorCode = 0
	// codeAbort resets a stream whose handler failed mid-transfer.
	codeAbort quic.StreamErrorCode = 1
)

// Stream is the part of a transport stream the handlers use. Close ends
// the sending direction only.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
}

// aborter is implemented by transport streams that can be reset.
type aborter interface {
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

// Config holds server dependencies.
type Config struct {
	Storage     storage.Backend
	Audit       audit.Recorder
	IdleTimeout time.Duration // 0 selects DefaultIdleTimeout, negative disables
}

// Server serves one storage backend.
type Server struct {
	store       storage.Backend
	audit       audit.Recorder
	idleTimeout time.Duration

	wg sync.WaitGroup
}

// New creates a server.
func New(cfg Config) *Server {
	rec := cfg.Audit
	if rec == nil {
		rec = audit.Discard{}
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	return &Server{
		store:       cfg.Storage,
		audit:       rec,
		idleTimeout: idle,
	}
}

// Listen binds addr with the given transport configuration.
func Listen(addr string, tc *trust.Config) (*quic.Listener, error) {
	ln, err := quic.ListenAddr(addr, tc.TLS, tc.QUIC)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tc *trust.Config) error {
	ln, err := Listen(addr, tc)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// There is no admission control: every connection gets its own goroutine.
// Serve closes ln and waits for in-flight handlers before returning.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener) error {
	defer s.wg.Wait()
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	ctx = logging.WithConn(ctx, remote, uuid.NewString())
	log := logging.WithContext(ctx)

	log.Info("connection accepted")
	metrics.RecordConnectionOpened()
	s.audit.Record(audit.NewEntry(audit.EventConnect).WithRemote(remote))

	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			s.connectionClosed(ctx, conn, remote, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(logging.WithStream(ctx, int64(str.StreamID())), str, remote)
		}()
	}
}

func (s *Server) connectionClosed(ctx context.Context, conn quic.Connection, remote string, err error) {
	log := logging.WithContext(ctx)

	var appErr *quic.ApplicationError
	switch {
	case errors.As(err, &appErr):
		log.Info("connection closed by peer", zap.String("reason", appErr.ErrorMessage))
		metrics.RecordConnectionClosed("disconnect")
		s.audit.Record(audit.NewEntry(audit.EventDisconnect).WithRemote(remote))
	case ctx.Err() != nil:
		conn.CloseWithError(codeDone, "server shutting down")
		log.Info("connection closed for shutdown")
		metrics.RecordConnectionClosed("disconnect")
		s.audit.Record(audit.NewEntry(audit.EventDisconnect).WithRemote(remote).WithMessage("server shutdown"))
	default:
		log.Warn("connection failed", zap.Error(err))
		metrics.RecordConnectionClosed("error")
		s.audit.Record(audit.NewEntry(audit.EventError).WithRemote(remote).Failed(err))
	}
}

// finish ends a completed exchange. The send side is closed and any
// bytes the peer still sends are discarded, so the transport can retire
// the stream and hand its credit back to the client.
func finish(str Stream) {
	if a, ok := str.(aborter); ok {
		a.CancelRead(codeFinished)
	}
	str.Close()
}

// abort resets both directions of a failed stream so the peer sees the
// failure promptly. Sibling streams are unaffected.
func abort(str Stream) {
	if a, ok := str.(aborter); ok {
		a.CancelRead(codeAbort)
		a.CancelWrite(codeAbort)
		return
	}
	str.Close()
}
