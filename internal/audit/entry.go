// Package audit records security-relevant server events to an append-only
// JSON Lines file without blocking the connections that produce them.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// Event identifies the kind of audited event.
type Event string

const (
	EventServerStart   Event = "server_start"
	EventServerStop    Event = "server_stop"
	EventConnect       Event = "connect"
	EventDisconnect    Event = "disconnect"
	EventFileReceived  Event = "file_received"
	EventFileRejected  Event = "file_rejected"
	EventListRequest   Event = "list_request"
	EventStatusRequest Event = "status_request"
	EventFileRequest   Event = "file_request"
	EventError         Event = "error"
)

// Entry is a single line in the audit log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
	Remote    *string   `json:"remote"`
	Path      *string   `json:"path"`
	Size      *uint64   `json:"size"`
	Success   bool      `json:"success"`
	Message   *string   `json:"message"`
}

// NewEntry returns a successful entry for event stamped with the current time.
func NewEntry(event Event) Entry {
	return Entry{
		Timestamp: time.Now(),
		Event:     event,
		Success:   true,
	}
}

func (e Entry) WithRemote(remote string) Entry {
	e.Remote = &remote
	return e
}

func (e Entry) WithPath(path string) Entry {
	e.Path = &path
	return e
}

func (e Entry) WithSize(size uint64) Entry {
	e.Size = &size
	return e
}

func (e Entry) WithSuccess(success bool) Entry {
	e.Success = success
	return e
}

func (e Entry) WithMessage(msg string) Entry {
	e.Message = &msg
	return e
}

// Failed marks the entry unsuccessful and attaches err as its message.
func (e Entry) Failed(err error) Entry {
	return e.WithSuccess(false).WithMessage(err.Error())
}

// String renders the entry for humans, e.g. when tailing the log.
func (e Entry) String() string {
	var b strings.Builder
	mark := "ok"
	if !e.Success {
		mark = "FAIL"
	}
	fmt.Fprintf(&b, "[%s] %s %s from %s path=%s",
		e.Timestamp.Format("2006-01-02 15:04:05"), mark, e.Event, orDash(e.Remote), orDash(e.Path))
	if e.Size != nil {
		fmt.Fprintf(&b, " size=%d", *e.Size)
	}
	if e.Message != nil {
		fmt.Fprintf(&b, " (%s)", *e.Message)
	}
	return b.String()
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
