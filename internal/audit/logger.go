package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/metrics"
)

// DefaultCapacity is the number of entries the queue holds before the
// oldest pending entry is evicted.
const DefaultCapacity = 100

// Recorder accepts audit entries. Record never blocks and never fails
// observably to the caller.
type Recorder interface {
	Record(Entry)
}

// Logger appends entries to a JSON Lines file from a single background
// goroutine. Producers hand entries over through a bounded queue.
type Logger struct {
	path  string
	queue chan Entry
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if needed) the audit file at path in append mode
// and starts the writer.
func Open(path string, capacity int) (*Logger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	l := &Logger{
		path:  path,
		queue: make(chan Entry, capacity),
		done:  make(chan struct{}),
		file:  f,
		w:     bufio.NewWriter(f),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Path returns the audit file location.
func (l *Logger) Path() string { return l.path }

// Record queues e for writing. When the queue is full the oldest pending
// entry is dropped to make room; if producers still win the race for the
// freed slot, e itself is dropped.
func (l *Logger) Record(e Entry) {
	select {
	case <-l.done:
		metrics.RecordAuditDropped()
		return
	default:
	}

	select {
	case l.queue <- e:
		return
	default:
	}

	select {
	case <-l.queue:
		metrics.RecordAuditDropped()
	default:
	}

	select {
	case l.queue <- e:
	default:
		metrics.RecordAuditDropped()
	}
}

// Close stops accepting entries, writes whatever is still queued and
// closes the file. The server only calls it on orderly shutdown.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.file.Close()
	})
	return err
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Entry) {
	line, err := json.Marshal(e)
	if err == nil {
		line = append(line, '\n')
		_, err = l.w.Write(line)
	}
	if err == nil {
		err = l.w.Flush()
	}
	if err != nil {
		// The audit file is not the place to report its own failures.
		metrics.RecordAuditFailed()
		logging.Error("failed to write audit log",
			logging.String("path", l.path),
			logging.String("event", string(e.Event)),
			logging.Err(err))
		l.w.Reset(l.file)
		return
	}
	metrics.RecordAuditWritten()
}

// Discard is a Recorder that drops every entry.
type Discard struct{}

func (Discard) Record(Entry) {}
