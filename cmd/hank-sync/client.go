package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/hmaj79-hank/hank-sync/internal/config"
	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/state"
	"github.com/hmaj79-hank/hank-sync/internal/trust"
	"github.com/hmaj79-hank/hank-sync/pkg/client"
	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
)

// session is the per-invocation client context.
type session struct {
	stateDir string
	st       state.State
	server   string
	pin      string
}

type clientFlags struct {
	*globals
	server *string
	pin    *string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		globals: addGlobals(fs),
		server:  fs.String("server", "", "Server address (default from config)"),
		pin:     fs.String("pin", "", "Trust only a server with this certificate fingerprint"),
	}
}

func newSession(f *clientFlags) *session {
	cfg := setup(f.globals, "console")

	dir, err := config.Dir()
	if err != nil {
		fatalf("%v", err)
	}
	st, err := state.Load(dir)
	if err != nil {
		fatalf("load state: %v", err)
	}

	pin := *f.pin
	if pin == "" {
		pin = cfg.Client.Pin
	}
	return &session{
		stateDir: dir,
		st:       st,
		server:   cfg.ResolveServer(*f.server),
		pin:      pin,
	}
}

func (s *session) save() {
	if err := s.st.Save(s.stateDir); err != nil {
		logging.Warn("failed to save state", logging.Err(err))
	}
}

// run dials the server, calls fn and closes the connection.
func (s *session) run(fn func(ctx context.Context, c *client.Client) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.pin == "" {
		logging.Debug("server certificate is not verified; use -pin to pin it")
	}
	c, err := client.Dial(ctx, s.server, client.Config{
		Verifier: trust.ForPin(s.pin),
		Progress: progressFunc(),
	})
	if err != nil {
		fatalf("%v", err)
	}
	err = fn(ctx, c)
	c.Close()
	if err != nil {
		fatalf("%v", err)
	}
}

// progressFunc draws a progress line on stderr when it is a terminal.
func progressFunc() client.ProgressFunc {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	var last time.Time
	return func(remote string, done, total uint64) {
		if done < total && time.Since(last) < 100*time.Millisecond {
			return
		}
		last = time.Now()
		pct := uint64(100)
		if total > 0 {
			pct = done * 100 / total
		}
		fmt.Fprintf(os.Stderr, "\r%s %3d%% %s", remote, pct, humanSize(done))
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func cmdPut(args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	f := addClientFlags(fs)
	dest := fs.String("dest", "", "Remote directory (default current remote directory)")
	pos := parseArgs(fs, args)
	if len(pos) != 1 {
		fatalf("usage: hank-sync put <local> [-dest dir]")
	}
	s := newSession(f)

	remoteDir := s.st.Resolve(*dest)
	s.run(func(ctx context.Context, c *client.Client) error {
		sent, err := c.Put(ctx, pos[0], remoteDir)
		for _, t := range sent {
			fmt.Printf("%s -> %s (%s)\n", t.Local, t.Remote, humanSize(t.Written))
		}
		return err
	})
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	f := addClientFlags(fs)
	out := fs.String("out", "", "Local file to write, - for stdout (default remote base name)")
	pos := parseArgs(fs, args)
	if len(pos) != 1 {
		fatalf("usage: hank-sync get <remote> [-out file]")
	}
	s := newSession(f)
	remote := s.st.Resolve(pos[0])

	target := *out
	if target == "" {
		target = path.Base(remote)
	}
	if target == "-" {
		s.run(func(ctx context.Context, c *client.Client) error {
			_, err := c.Get(ctx, remote, os.Stdout)
			return err
		})
		return
	}

	s.run(func(ctx context.Context, c *client.Client) error {
		return download(ctx, c, remote, target)
	})
}

// download writes into a temporary file next to target and renames it
// into place only when the whole payload arrived.
func download(ctx context.Context, c *client.Client, remote, target string) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := c.Get(ctx, remote, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%s)\n", remote, target, humanSize(n))
	return nil
}

func cmdView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	f := addClientFlags(fs)
	pos := parseArgs(fs, args)
	if len(pos) != 1 {
		fatalf("usage: hank-sync view <remote>")
	}
	s := newSession(f)
	remote := s.st.Resolve(pos[0])

	s.run(func(ctx context.Context, c *client.Client) error {
		_, err := c.Get(ctx, remote, os.Stdout)
		return err
	})
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	f := addClientFlags(fs)
	parseArgs(fs, args)
	s := newSession(f)

	s.run(func(ctx context.Context, c *client.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Server Status:")
		fmt.Printf("  Server:     %s\n", s.server)
		fmt.Printf("  Root:       %s\n", st.Root)
		fmt.Printf("  Files:      %d\n", st.FileCount)
		fmt.Printf("  Total size: %s\n", humanSize(st.TotalSize))
		return nil
	})
}

func cmdList(name string, args []string, recursive, long bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := addClientFlags(fs)
	pos := parseArgs(fs, args)
	s := newSession(f)

	dir := s.st.Cwd
	if len(pos) > 0 {
		dir = s.st.Resolve(pos[0])
	}
	s.run(func(ctx context.Context, c *client.Client) error {
		return printListing(ctx, c, dir, recursive, long)
	})
}

func printListing(ctx context.Context, c *client.Client, dir string, recursive, long bool) error {
	entries, err := c.List(ctx, dir, recursive, long)
	if err != nil {
		return err
	}
	fmt.Printf("%s:\n", dir)
	for _, e := range entries {
		fmt.Println(formatEntry(e, long))
	}
	return nil
}

func formatEntry(e protocol.FileEntry, long bool) string {
	name := e.Name
	if e.IsDir {
		name += "/"
	}
	if !long {
		if e.IsDir {
			return "  " + name
		}
		return fmt.Sprintf("  %s (%s)", name, humanSize(e.Size))
	}
	mod := "-"
	if e.Modified != nil {
		mod = time.Unix(int64(*e.Modified), 0).Format("2006-01-02 15:04")
	}
	size := "-"
	if !e.IsDir {
		size = humanSize(e.Size)
	}
	return fmt.Sprintf("  %10s  %s  %s", size, mod, name)
}

func cmdDown(args []string) {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	f := addClientFlags(fs)
	pos := parseArgs(fs, args)
	s := newSession(f)

	if len(pos) == 0 {
		s.st = s.st.Back()
	} else {
		s.st = s.st.Cd(pos[0])
	}
	s.navigate()
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	f := addClientFlags(fs)
	parseArgs(fs, args)
	s := newSession(f)

	s.st = s.st.Up()
	s.navigate()
}

// navigate lists the new working directory and persists it.
func (s *session) navigate() {
	s.run(func(ctx context.Context, c *client.Client) error {
		return printListing(ctx, c, s.st.Cwd, false, false)
	})
	s.save()
}

func cmdPwd(args []string) {
	fs := flag.NewFlagSet("pwd", flag.ExitOnError)
	g := addGlobals(fs)
	parseArgs(fs, args)
	setup(g, "console")

	dir, err := config.Dir()
	if err != nil {
		fatalf("%v", err)
	}
	st, err := state.Load(dir)
	if err != nil {
		fatalf("load state: %v", err)
	}
	fmt.Println(st.Cwd)
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("config-dir", "", "Config directory (default <user config dir>/hank-sync)")
	parseArgs(fs, args)

	file, created, err := config.Init(*dir)
	if err != nil {
		fatalf("%v", err)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", file)
		return
	}
	fmt.Printf("Created config: %s\n", file)
}

func humanSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
