// hank-sync moves files between two hosts over an encrypted QUIC
// connection.
//
// Sub-commands:
//
//	hank-sync server [flags]              Receive files into a root directory
//	hank-sync put <local> [-dest dir]     Send a file or directory
//	hank-sync get <remote> [-out file]    Fetch a file (-out - for stdout)
//	hank-sync view <remote>               Print a remote file
//	hank-sync status                      Show server root and usage
//	hank-sync list|listl|listr [dir]      List (long, recursive long)
//	hank-sync down [dir]                  Enter dir, or return to the previous one
//	hank-sync up                          Enter the parent directory
//	hank-sync pwd                         Print the remote working directory
//	hank-sync init [-config-dir dir]      Write a default config file
//
// Client commands accept -server, -pin and -v.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hmaj79-hank/hank-sync/internal/config"
	"github.com/hmaj79-hank/hank-sync/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "server":
		cmdServer(args)
	case "put", "send":
		cmdPut(args)
	case "get":
		cmdGet(args)
	case "view":
		cmdView(args)
	case "status":
		cmdStatus(args)
	case "list":
		cmdList("list", args, false, false)
	case "listl":
		cmdList("listl", args, false, true)
	case "listr":
		cmdList("listr", args, true, true)
	case "down":
		cmdDown(args)
	case "up":
		cmdUp(args)
	case "pwd":
		cmdPwd(args)
	case "init":
		cmdInit(args)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: hank-sync <command> [flags] [args]

Commands:
  server   receive files into a root directory
  put      send a file or directory
  get      fetch a file
  view     print a remote file to stdout
  status   show server root and usage
  list     list a remote directory (listl: long, listr: recursive long)
  down     enter a remote directory, or return to the previous one
  up       enter the parent directory
  pwd      print the remote working directory
  init     write a default config file

Run 'hank-sync <command> -h' for command flags.
`)
}

// globals are the flags every command accepts.
type globals struct {
	config  *string
	verbose *bool
}

func addGlobals(fs *flag.FlagSet) *globals {
	return &globals{
		config:  fs.String("config", "", "Config file (default <user config dir>/hank-sync/config.yaml)"),
		verbose: fs.Bool("v", false, "Enable debug logging"),
	}
}

// parseArgs parses fs allowing flags after positional arguments and
// returns the positionals.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var pos []string
	for {
		fs.Parse(args)
		args = fs.Args()
		if len(args) == 0 {
			return pos
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

// setup loads the configuration and starts logging in format unless the
// configuration names one.
func setup(g *globals, format string) *config.Config {
	cfg, err := config.Load(*g.config)
	if err != nil {
		fatalf("%v", err)
	}
	level := cfg.Log.Level
	if *g.verbose {
		level = "debug"
	}
	if cfg.Log.Format != "" {
		format = cfg.Log.Format
	}
	if err := logging.Init(logging.Config{Level: level, Format: format, OutputPath: "stderr"}); err != nil {
		fatalf("logging init: %v", err)
	}
	return cfg
}

func fatalf(format string, args ...any) {
	logging.Sync()
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
