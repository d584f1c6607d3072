package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hmaj79-hank/hank-sync/internal/audit"
	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/metrics"
	"github.com/hmaj79-hank/hank-sync/internal/storage"
	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
)

// handleStream reads the request frame and dispatches it. Handler errors
// are audited and reset the stream; policy rejections are answered with
// an Error response and the stream is closed normally.
func (s *Server) handleStream(ctx context.Context, str Stream, remote string) {
	start := time.Now()
	log := logging.WithContext(ctx)

	var req protocol.Request
	if err := protocol.ReadMessage(str, &req); err != nil {
		log.Warn("failed to read request", zap.Error(err))
		metrics.RecordStream("invalid", false, time.Since(start))
		s.audit.Record(audit.NewEntry(audit.EventError).WithRemote(remote).
			Failed(fmt.Errorf("read request: %w", err)))
		abort(str)
		return
	}

	log = log.With(zap.String("cmd", req.Cmd), zap.String("path", req.Path))
	log.Debug("request received")

	label := req.Cmd
	var err error
	switch req.Cmd {
	case protocol.CmdPut:
		err = s.handlePut(ctx, str, remote, req)
	case protocol.CmdGet:
		err = s.handleGet(ctx, str, remote, req)
	case protocol.CmdList:
		err = s.handleList(ctx, str, remote, req)
	case protocol.CmdStatus:
		err = s.handleStatus(ctx, str, remote)
	default:
		label = "unknown"
		log.Warn("unknown command")
		err = protocol.WriteMessage(str, protocol.Error(fmt.Sprintf("unknown command %q", req.Cmd)))
	}

	metrics.RecordStream(label, err == nil, time.Since(start))
	if err != nil {
		log.Error("stream failed", zap.Error(err))
		s.audit.Record(audit.NewEntry(audit.EventError).WithRemote(remote).WithPath(req.Path).Failed(err))
		abort(str)
		return
	}
	finish(str)
}

func (s *Server) handlePut(ctx context.Context, str Stream, remote string, req protocol.Request) error {
	entry := audit.NewEntry(audit.EventFileReceived).WithRemote(remote).WithPath(req.Path)

	w, err := s.store.Create(ctx, req.Path)
	if err != nil {
		if rejected(err) {
			metrics.RecordPathRejected()
			s.audit.Record(audit.NewEntry(audit.EventFileRejected).WithRemote(remote).
				WithPath(req.Path).WithSize(req.Size).Failed(err))
		} else {
			s.audit.Record(entry.WithSize(req.Size).Failed(err))
		}
		return protocol.WriteMessage(str, protocol.Error(err.Error()))
	}

	if err := protocol.WriteMessage(str, protocol.OK()); err != nil {
		w.Close()
		s.audit.Record(entry.WithSize(0).Failed(err))
		return err
	}

	received, rerr := s.receive(str, w, req.Size)
	cerr := w.Close()
	metrics.RecordBytesReceived(received)
	entry = entry.WithSize(received)

	switch {
	case isTimeout(rerr):
		msg := fmt.Sprintf("idle timeout after %d of %d bytes", received, req.Size)
		s.audit.Record(entry.WithSuccess(false).WithMessage(msg))
		return protocol.WriteMessage(str, protocol.Error(msg))
	case rerr != nil:
		s.audit.Record(entry.Failed(rerr))
		return rerr
	case cerr != nil:
		s.audit.Record(entry.Failed(cerr))
		return fmt.Errorf("close %s: %w", req.Path, cerr)
	}

	msg := "OK"
	if received != req.Size {
		msg = fmt.Sprintf("short upload: declared %d bytes", req.Size)
	}
	if req.Hash != "" {
		msg += " blake2b=" + req.Hash
	}
	s.audit.Record(entry.WithMessage(msg))
	logging.WithContext(ctx).Info("file received",
		zap.String("path", req.Path), zap.Uint64("bytes", received))

	return protocol.WriteMessage(str, protocol.Done(received))
}

// receive copies up to size payload bytes into w. A sender that finishes
// early is not an error; the count tells the caller how much arrived.
func (s *Server) receive(str Stream, w io.Writer, size uint64) (uint64, error) {
	buf := make([]byte, protocol.ChunkSize)
	var received uint64
	for received < size {
		if s.idleTimeout > 0 {
			str.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n := min(uint64(len(buf)), size-received)
		nr, err := str.Read(buf[:n])
		if nr > 0 {
			if _, werr := w.Write(buf[:nr]); werr != nil {
				return received, fmt.Errorf("write: %w", werr)
			}
			received += uint64(nr)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return received, err
		}
	}
	if s.idleTimeout > 0 {
		str.SetReadDeadline(time.Time{})
	}
	return received, nil
}

func (s *Server) handleGet(ctx context.Context, str Stream, remote string, req protocol.Request) error {
	entry := audit.NewEntry(audit.EventFileRequest).WithRemote(remote).WithPath(req.Path)

	r, size, err := s.store.Open(ctx, req.Path)
	if err != nil {
		if rejected(err) {
			metrics.RecordPathRejected()
		}
		s.audit.Record(entry.Failed(err))
		if errors.Is(err, storage.ErrNotFile) || rejected(err) {
			return protocol.WriteMessage(str, protocol.Error(err.Error()))
		}
		return err
	}
	defer r.Close()

	if err := protocol.WriteMessage(str, protocol.File(size)); err != nil {
		s.audit.Record(entry.Failed(err))
		return err
	}

	sent, err := io.CopyBuffer(writerOnly{str}, io.LimitReader(r, int64(size)), make([]byte, protocol.ChunkSize))
	metrics.RecordBytesSent(uint64(sent))
	entry = entry.WithSize(uint64(sent))
	if err == nil && uint64(sent) != size {
		err = fmt.Errorf("file shrank while sending: %d of %d bytes", sent, size)
	}
	if err != nil {
		s.audit.Record(entry.Failed(err))
		return err
	}
	s.audit.Record(entry)
	return nil
}

func (s *Server) handleList(ctx context.Context, str Stream, remote string, req protocol.Request) error {
	entry := audit.NewEntry(audit.EventListRequest).WithRemote(remote).WithPath(req.Path)

	entries, err := s.store.List(ctx, req.Path, req.Recursive, req.Long)
	if err != nil {
		s.audit.Record(entry.Failed(err))
		if rejected(err) {
			metrics.RecordPathRejected()
			return protocol.WriteMessage(str, protocol.Error(err.Error()))
		}
		return err
	}
	s.audit.Record(entry.WithSize(uint64(len(entries))))
	return protocol.WriteMessage(str, protocol.List(entries))
}

func (s *Server) handleStatus(ctx context.Context, str Stream, remote string) error {
	entry := audit.NewEntry(audit.EventStatusRequest).WithRemote(remote)

	start := time.Now()
	total, count, err := s.store.Usage(ctx)
	metrics.RecordStatusScan(time.Since(start))
	if err != nil {
		s.audit.Record(entry.Failed(err))
		return err
	}
	s.audit.Record(entry.WithSize(total))
	return protocol.WriteMessage(str, protocol.StatusReport(s.store.Root(), total, count))
}

// rejected reports whether err is a path policy rejection rather than an
// I/O failure.
func rejected(err error) bool {
	return errors.Is(err, storage.ErrOutsideRoot) || errors.Is(err, storage.ErrInvalidPath)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writerOnly hides any ReaderFrom on the stream so payloads always go out
// in ChunkSize writes.
type writerOnly struct {
	io.Writer
}
