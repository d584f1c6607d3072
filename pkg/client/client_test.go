package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hmaj79-hank/hank-sync/internal/audit"
	"github.com/hmaj79-hank/hank-sync/internal/server"
	"github.com/hmaj79-hank/hank-sync/internal/storage/local"
	"github.com/hmaj79-hank/hank-sync/internal/trust"
	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
	"github.com/hmaj79-hank/hank-sync/pkg/retry"
)

type testServer struct {
	addr        string
	root        string
	auditPath   string
	fingerprint string

	stopOnce sync.Once
	stop     func()
}

// startServer runs a server on a loopback port with an empty root. The
// audit log lives outside the root so it never shows up in listings.
func startServer(t *testing.T) *testServer {
	t.Helper()
	return runServer(t, false)
}

// startServerWithAuditInRoot keeps the audit log at <root>/audit.jsonl,
// as the default configuration does, and records server_start first.
func startServerWithAuditInRoot(t *testing.T) *testServer {
	t.Helper()
	return runServer(t, true)
}

func runServer(t *testing.T, auditInRoot bool) *testServer {
	t.Helper()

	der, key, err := trust.BootstrapIdentity()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	tc, err := trust.ServerConfig(der, key)
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	ln, err := server.Listen("127.0.0.1:0", tc)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	root := t.TempDir()
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	if auditInRoot {
		auditPath = filepath.Join(root, "audit.jsonl")
	}
	store, err := local.New(local.Config{RootPath: root, Protected: []string{auditPath}})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	al, err := audit.Open(auditPath, audit.DefaultCapacity)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	al.Record(audit.NewEntry(audit.EventServerStart).WithPath(store.Root()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	srv := server.New(server.Config{Storage: store, Audit: al})
	go func() { errc <- srv.Serve(ctx, ln) }()

	ts := &testServer{
		addr:        ln.Addr().String(),
		root:        store.Root(),
		auditPath:   auditPath,
		fingerprint: trust.Fingerprint(der),
	}
	ts.stop = func() {
		ts.stopOnce.Do(func() {
			cancel()
			select {
			case err := <-errc:
				if err != nil {
					t.Errorf("serve: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Error("server did not stop")
			}
			al.Close()
		})
	}
	t.Cleanup(ts.stop)
	return ts
}

func dial(t *testing.T, ts *testServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.addr, Config{Retry: retry.None()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNotesScenario(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx := context.Background()

	n, err := c.PutReader(ctx, "notes.txt", strings.NewReader("hello world!"), 12, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 bytes written, got %d", n)
	}

	entries, err := c.List(ctx, "/", false, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %v", entries)
	}
	if e := entries[0]; e.Name != "notes.txt" || e.IsDir || e.Size != 12 {
		t.Errorf("unexpected entry %+v", e)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.FileCount != 1 || st.TotalSize != 12 {
		t.Errorf("expected 1 file / 12 bytes, got %d / %d", st.FileCount, st.TotalSize)
	}
	if st.Root != ts.root {
		t.Errorf("expected root %s, got %s", ts.root, st.Root)
	}

	var buf bytes.Buffer
	if _, err := c.Get(ctx, "/notes.txt", &buf); err != nil {
		t.Fatalf("get: %v", err)
	}
	if buf.String() != "hello world!" {
		t.Errorf("unexpected content %q", buf.String())
	}
}

func TestPutDirectoryRoundTrip(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "photos")
	big := make([]byte, 3*protocol.ChunkSize+17)
	rand.Read(big)
	files := map[string][]byte{
		"a.txt":         []byte("alpha"),
		"sub/b.bin":     big,
		"sub/deep/c.md": {},
	}
	for rel, data := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	sent, err := c.Put(ctx, src, "/backup/")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(sent) != len(files) {
		t.Fatalf("expected %d transfers, got %d", len(files), len(sent))
	}

	for rel, want := range files {
		var buf bytes.Buffer
		remote := "backup/photos/" + rel
		n, err := c.Get(ctx, remote, &buf)
		if err != nil {
			t.Fatalf("get %s: %v", remote, err)
		}
		if n != uint64(len(want)) || !bytes.Equal(buf.Bytes(), want) {
			t.Errorf("%s: round trip mismatch (%d bytes)", remote, n)
		}
	}
}

func TestPutSingleFileUsesBaseName(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	src := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(src, []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}
	sent, err := c.Put(context.Background(), src, "docs")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(sent) != 1 || sent[0].Remote != "docs/report.pdf" || sent[0].Written != 4 {
		t.Fatalf("unexpected transfers %+v", sent)
	}
	if _, err := os.Stat(filepath.Join(ts.root, "docs", "report.pdf")); err != nil {
		t.Errorf("expected file on server: %v", err)
	}
}

func TestPutShortReaderReportsActualSize(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	n, err := c.PutReader(context.Background(), "short.bin", strings.NewReader("abcd"), 10, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 bytes written, got %d", n)
	}
}

func TestTraversalLandsUnderRoot(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	if _, err := c.PutReader(context.Background(), "../../../tmp/evil", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ts.root, "tmp", "evil")); err != nil {
		t.Errorf("expected file under root: %v", err)
	}
}

func TestListIsIdempotent(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c/d", "c/e/f"} {
		if _, err := c.PutReader(ctx, name, strings.NewReader(name), uint64(len(name)), ""); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	set := func() []string {
		entries, err := c.List(ctx, "/", true, true)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Name)
		}
		sort.Strings(out)
		return out
	}
	first, second := set(), set()
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Errorf("listings differ: %v vs %v", first, second)
	}
	if got := strings.Join(first, ","); got != "a,b,c,c/d,c/e,c/e/f" {
		t.Errorf("unexpected recursive listing %s", got)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	_, err := c.Get(context.Background(), "missing.txt", &bytes.Buffer{})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}

	// The connection stays usable after a rejected stream.
	if _, err := c.Status(context.Background()); err != nil {
		t.Errorf("status after error: %v", err)
	}
}

func TestPinnedVerifier(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := Dial(ctx, ts.addr, Config{Verifier: trust.Pinned{Fingerprint: "00"}, Retry: retry.None()}); err == nil {
		t.Fatal("expected wrong pin to be rejected")
	}

	c, err := Dial(ctx, ts.addr, Config{Verifier: trust.Pinned{Fingerprint: ts.fingerprint}, Retry: retry.None()})
	if err != nil {
		t.Fatalf("dial with matching pin: %v", err)
	}
	c.Close()
}

func TestAuditRecordsEverySuccessfulPut(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx := context.Background()

	const puts = 5
	for i := 0; i < puts; i++ {
		name := "batch/" + string(rune('a'+i))
		if _, err := c.PutReader(ctx, name, strings.NewReader("data"), 4, "cafe"); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	c.Close()
	ts.stop()

	f, err := os.Open(ts.auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	counts := map[audit.Event]int{}
	received := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		counts[e.Event]++
		if e.Event == audit.EventFileReceived && e.Success {
			received++
			if e.Message == nil || !strings.Contains(*e.Message, "cafe") {
				t.Errorf("expected declared hash in audit message, got %v", e.Message)
			}
		}
	}
	if received != puts {
		t.Errorf("expected %d successful file_received entries, got %d", puts, received)
	}
	if counts[audit.EventConnect] != 1 || counts[audit.EventDisconnect] != 1 {
		t.Errorf("expected one connect and one disconnect, got %v", counts)
	}
}

func TestManySequentialExchangesOnOneConnection(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	if _, err := c.PutReader(context.Background(), "f.txt", strings.NewReader("abc"), 3, ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Several times the per-connection stream limit; each exchange must
	// give its stream back.
	for i := 0; i < 3*trust.MaxStreams; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch i % 4 {
		case 0:
			_, err = c.Status(ctx)
		case 1:
			_, err = c.List(ctx, "/", false, true)
		case 2:
			var buf bytes.Buffer
			_, err = c.Get(ctx, "f.txt", &buf)
		case 3:
			_, err = c.PutReader(ctx, "g.txt", strings.NewReader("xy"), 2, "")
		}
		cancel()
		if err != nil {
			t.Fatalf("exchange #%d: %v", i, err)
		}
	}
}

func TestFailedStreamLeavesSiblingsIntact(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	big := make([]byte, 4*protocol.ChunkSize+5)
	rand.Read(big)
	if _, err := c.PutReader(ctx, "big.bin", bytes.NewReader(big), uint64(len(big)), ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 32)

	// A malformed request frame is answered with a stream reset.
	wg.Add(1)
	go func() {
		defer wg.Done()
		str, err := c.conn.OpenStreamSync(ctx)
		if err != nil {
			errc <- fmt.Errorf("open raw stream: %w", err)
			return
		}
		str.Write([]byte{0, 0, 0, 3, 'b', 'a', 'd'})
		_, err = io.ReadAll(str)
		var se *quic.StreamError
		if !errors.As(err, &se) {
			errc <- fmt.Errorf("malformed request: expected stream reset, got %v", err)
		}
	}()

	// An upload abandoned halfway.
	wg.Add(1)
	go func() {
		defer wg.Done()
		str, resp, err := c.request(ctx, protocol.PutRequest("partial.bin", 1000, ""))
		if err != nil {
			errc <- fmt.Errorf("partial put: %w", err)
			return
		}
		if resp.Status != protocol.StatusOK {
			errc <- fmt.Errorf("partial put: expected Ok, got %v", resp)
			return
		}
		str.Write([]byte("0123456789"))
		abort(str)
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			if _, err := c.Get(ctx, "big.bin", &buf); err != nil {
				errc <- fmt.Errorf("get #%d: %w", i, err)
				return
			}
			if !bytes.Equal(buf.Bytes(), big) {
				errc <- fmt.Errorf("get #%d: content mismatch", i)
			}
			if _, err := c.Status(ctx); err != nil {
				errc <- fmt.Errorf("status #%d: %w", i, err)
			}
		}()
	}

	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	if _, err := c.Status(ctx); err != nil {
		t.Errorf("status after failed streams: %v", err)
	}
}

func TestAuditLogInsideRootCannotBeOverwritten(t *testing.T) {
	ts := startServerWithAuditInRoot(t)
	c := dial(t, ts)
	ctx := context.Background()

	forged := `{"event":"forged"}` + "\n"
	_, err := c.PutReader(ctx, "audit.jsonl", strings.NewReader(forged), uint64(len(forged)), "")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError for put, got %v", err)
	}
	if _, err := c.Get(ctx, "audit.jsonl", &bytes.Buffer{}); !errors.As(err, &se) {
		t.Fatalf("expected ServerError for get, got %v", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.FileCount != 0 {
		t.Errorf("audit log counted in status: %d files", st.FileCount)
	}
	c.Close()
	ts.stop()

	data, err := os.ReadFile(ts.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "forged") {
		t.Fatalf("forged content reached the audit log:\n%s", data)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	var e audit.Entry
	if err := json.Unmarshal([]byte(first), &e); err != nil || e.Event != audit.EventServerStart {
		t.Errorf("expected log to start with server_start, got %q", first)
	}
	if !strings.Contains(string(data), `"event":"file_rejected"`) {
		t.Errorf("expected file_rejected entry:\n%s", data)
	}
}
