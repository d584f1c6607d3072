// Package protocol defines the request/response messages exchanged on a
// stream and the length-prefixed codec that carries them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request commands.
const (
	CmdPut    = "put"
	CmdList   = "list"
	CmdGet    = "get"
	CmdStatus = "status"
)

// Response statuses.
const (
	StatusOK     = "ok"
	StatusDone   = "done"
	StatusList   = "list"
	StatusFile   = "file"
	StatusStatus = "status"
	StatusError  = "error"
)

// Request is sent client -> server as the first frame of a fresh stream.
// Only the fields belonging to Cmd are meaningful.
type Request struct {
	Cmd       string
	Path      string
	Size      uint64
	Hash      string // put only, advisory
	Recursive bool
	Long      bool
}

// PutRequest announces an upload of size bytes to path.
func PutRequest(path string, size uint64, hash string) Request {
	return Request{Cmd: CmdPut, Path: path, Size: size, Hash: hash}
}

// ListRequest asks for the entries under path.
func ListRequest(path string, recursive, long bool) Request {
	return Request{Cmd: CmdList, Path: path, Recursive: recursive, Long: long}
}

// GetRequest asks for the content of path.
func GetRequest(path string) Request {
	return Request{Cmd: CmdGet, Path: path}
}

// StatusRequest asks for aggregate usage of the server root.
func StatusRequest() Request {
	return Request{Cmd: CmdStatus}
}

type putWire struct {
	Cmd  string `json:"cmd"`
	Path string `json:"path"`
	Size uint64 `json:"size"`
	Hash string `json:"hash,omitempty"`
}

type listWire struct {
	Cmd       string `json:"cmd"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Long      bool   `json:"long"`
}

type pathWire struct {
	Cmd  string `json:"cmd"`
	Path string `json:"path"`
}

type cmdWire struct {
	Cmd string `json:"cmd"`
}

// MarshalJSON emits exactly the fields of the request's variant.
func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Cmd {
	case CmdPut:
		return json.Marshal(putWire{Cmd: r.Cmd, Path: r.Path, Size: r.Size, Hash: r.Hash})
	case CmdList:
		return json.Marshal(listWire{Cmd: r.Cmd, Path: r.Path, Recursive: r.Recursive, Long: r.Long})
	case CmdGet:
		return json.Marshal(pathWire{Cmd: r.Cmd, Path: r.Path})
	case CmdStatus:
		return json.Marshal(cmdWire{Cmd: r.Cmd})
	default:
		return nil, fmt.Errorf("marshal request: unknown command %q", r.Cmd)
	}
}

// UnmarshalJSON decodes any variant. An unrecognised cmd is not an error
// here; the dispatcher answers it with an Error response.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w struct {
		Cmd       string  `json:"cmd"`
		Path      *string `json:"path"`
		Size      *uint64 `json:"size"`
		Hash      string  `json:"hash"`
		Recursive bool    `json:"recursive"`
		Long      bool    `json:"long"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Cmd == "" {
		return fmt.Errorf("request without cmd")
	}
	switch w.Cmd {
	case CmdPut:
		if w.Path == nil || w.Size == nil {
			return fmt.Errorf("put request requires path and size")
		}
	case CmdList, CmdGet:
		if w.Path == nil {
			return fmt.Errorf("%s request requires path", w.Cmd)
		}
	}
	*r = Request{
		Cmd:       w.Cmd,
		Hash:      w.Hash,
		Recursive: w.Recursive,
		Long:      w.Long,
	}
	if w.Path != nil {
		r.Path = *w.Path
	}
	if w.Size != nil {
		r.Size = *w.Size
	}
	return nil
}

// FileEntry describes one listed file or directory. Modified is set only
// for long listings and holds seconds since the Unix epoch.
type FileEntry struct {
	Name     string  `json:"name"`
	IsDir    bool    `json:"is_dir"`
	Size     uint64  `json:"size"`
	Modified *uint64 `json:"modified,omitempty"`
}

// Response is sent server -> client on the same stream as the request.
type Response struct {
	Status    string
	Written   uint64
	Entries   []FileEntry
	Size      uint64
	Root      string
	TotalSize uint64
	FileCount uint64
	Message   string
}

// OK tells the client it may start sending the payload.
func OK() Response { return Response{Status: StatusOK} }

// Done reports how many payload bytes were written.
func Done(written uint64) Response { return Response{Status: StatusDone, Written: written} }

// List carries a directory listing.
func List(entries []FileEntry) Response {
	if entries == nil {
		entries = []FileEntry{}
	}
	return Response{Status: StatusList, Entries: entries}
}

// File announces size payload bytes that follow on the stream.
func File(size uint64) Response { return Response{Status: StatusFile, Size: size} }

// StatusReport carries aggregate usage of the server root.
func StatusReport(root string, totalSize, fileCount uint64) Response {
	return Response{Status: StatusStatus, Root: root, TotalSize: totalSize, FileCount: fileCount}
}

// Error reports a rejected request.
func Error(message string) Response { return Response{Status: StatusError, Message: message} }

// MarshalJSON emits exactly the fields of the response's variant.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Status {
	case StatusOK:
		return json.Marshal(struct {
			Status string `json:"status"`
		}{r.Status})
	case StatusDone:
		return json.Marshal(struct {
			Status  string `json:"status"`
			Written uint64 `json:"written"`
		}{r.Status, r.Written})
	case StatusList:
		entries := r.Entries
		if entries == nil {
			entries = []FileEntry{}
		}
		return json.Marshal(struct {
			Status  string      `json:"status"`
			Entries []FileEntry `json:"entries"`
		}{r.Status, entries})
	case StatusFile:
		return json.Marshal(struct {
			Status string `json:"status"`
			Size   uint64 `json:"size"`
		}{r.Status, r.Size})
	case StatusStatus:
		return json.Marshal(struct {
			Status    string `json:"status"`
			Root      string `json:"root"`
			TotalSize uint64 `json:"total_size"`
			FileCount uint64 `json:"file_count"`
		}{r.Status, r.Root, r.TotalSize, r.FileCount})
	case StatusError:
		return json.Marshal(struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}{r.Status, r.Message})
	default:
		return nil, fmt.Errorf("marshal response: unknown status %q", r.Status)
	}
}

// UnmarshalJSON decodes any response variant.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w struct {
		Status    string      `json:"status"`
		Written   uint64      `json:"written"`
		Entries   []FileEntry `json:"entries"`
		Size      uint64      `json:"size"`
		Root      string      `json:"root"`
		TotalSize uint64      `json:"total_size"`
		FileCount uint64      `json:"file_count"`
		Message   string      `json:"message"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Status {
	case StatusOK, StatusDone, StatusList, StatusFile, StatusStatus, StatusError:
	default:
		return fmt.Errorf("unknown response status %q", w.Status)
	}
	*r = Response(w)
	return nil
}

// String renders a response for log and error messages.
func (r Response) String() string {
	switch r.Status {
	case StatusDone:
		return fmt.Sprintf("done(written=%d)", r.Written)
	case StatusList:
		return fmt.Sprintf("list(%d entries)", len(r.Entries))
	case StatusFile:
		return fmt.Sprintf("file(size=%d)", r.Size)
	case StatusStatus:
		return fmt.Sprintf("status(root=%s files=%d bytes=%d)", r.Root, r.FileCount, r.TotalSize)
	case StatusError:
		return fmt.Sprintf("error(%s)", r.Message)
	default:
		return r.Status
	}
}
