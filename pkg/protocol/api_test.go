package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func TestRequestWireShape(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"put with hash", PutRequest("a/b.txt", 12, "abc"), `{"cmd":"put","path":"a/b.txt","size":12,"hash":"abc"}`},
		{"put empty file", PutRequest("empty", 0, ""), `{"cmd":"put","path":"empty","size":0}`},
		{"list", ListRequest("/", true, false), `{"cmd":"list","path":"/","recursive":true,"long":false}`},
		{"get", GetRequest("/notes.txt"), `{"cmd":"get","path":"/notes.txt"}`},
		{"status", StatusRequest(), `{"cmd":"status"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRequestDecodeDefaults(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"cmd":"list","path":"docs"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Recursive || req.Long {
		t.Errorf("expected recursive and long to default to false, got %+v", req)
	}
	if req.Path != "docs" {
		t.Errorf("expected path docs, got %q", req.Path)
	}
}

func TestRequestDecodeMissingFields(t *testing.T) {
	for _, raw := range []string{
		`{"cmd":"put","path":"x"}`,
		`{"cmd":"get"}`,
		`{"path":"x"}`,
	} {
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err == nil {
			t.Errorf("expected error decoding %s", raw)
		}
	}
}

func TestRequestDecodeUnknownCommand(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"cmd":"delete","path":"x"}`), &req); err != nil {
		t.Fatalf("unknown command should decode for the dispatcher to reject: %v", err)
	}
	if req.Cmd != "delete" {
		t.Errorf("expected cmd delete, got %q", req.Cmd)
	}
}

func TestResponseWireShape(t *testing.T) {
	mod := uint64(1700000000)
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{"ok", OK(), `{"status":"ok"}`},
		{"done", Done(12), `{"status":"done","written":12}`},
		{"empty list", List(nil), `{"status":"list","entries":[]}`},
		{"list", List([]FileEntry{{Name: "a", Size: 1, Modified: &mod}}),
			`{"status":"list","entries":[{"name":"a","is_dir":false,"size":1,"modified":1700000000}]}`},
		{"file", File(5), `{"status":"file","size":5}`},
		{"status", StatusReport("/srv", 12, 1), `{"status":"status","root":"/srv","total_size":12,"file_count":1}`},
		{"error", Error("Not a file"), `{"status":"error","message":"Not a file"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.resp)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResponseUnknownStatus(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"status":"maybe"}`), &resp); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, PutRequest("notes.txt", 12, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteMessage(&buf, Done(12)); err != nil {
		t.Fatalf("write: %v", err)
	}

	n := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(n) != len(`{"cmd":"put","path":"notes.txt","size":12}`) {
		t.Errorf("unexpected length prefix %d", n)
	}

	var req Request
	if err := ReadMessage(&buf, &req); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if req.Cmd != CmdPut || req.Path != "notes.txt" || req.Size != 12 {
		t.Errorf("unexpected request %+v", req)
	}

	var resp Response
	if err := ReadMessage(&buf, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status != StatusDone || resp.Written != 12 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestReadMessageShortFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, GetRequest("x")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	var req Request
	err := ReadMessage(bytes.NewReader(truncated), &req)
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}

	err = ReadMessage(bytes.NewReader([]byte{0, 0}), &req)
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame for partial prefix, got %v", err)
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)

	var req Request
	err := ReadMessage(bytes.NewReader(hdr), &req)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
