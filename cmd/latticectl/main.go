// latticectl is a thin front end for opening a lattice store and running
// add/get/find/checkpoint operations against it, plus an interactive shell.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/latticedb/lattice/pkg/lattice"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		printUsage()
		return fmt.Errorf("missing command or store path")
	}

	fs := flag.NewFlagSet("latticectl", flag.ContinueOnError)
	deviceID := fs.Uint32("device-id", 0, "device id for newly created stores")
	nodeCap := fs.Int("node-cap", 0, "evaluation-mode node cap (0 = package default)")
	ramCache := fs.Bool("ram-cache", false, "open in RAM-cache mode instead of disk mode")

	cmd := args[1]
	rest := args[2:]

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	if len(rest) < 1 {
		printUsage()
		return fmt.Errorf("missing store path")
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("missing store path")
	}
	path := fs.Arg(0)

	opts := lattice.Options{
		DeviceID: *deviceID,
		NodeCap:  *nodeCap,
	}
	if *ramCache {
		opts.Mode = lattice.ModeRAMCache
	}

	lat, err := lattice.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer lat.Close()

	switch cmd {
	case "shell":
		return (&repl{lat: lat, path: path}).run()
	case "add":
		return cmdAdd(lat, fs.Args()[1:])
	case "get":
		return cmdGet(lat, fs.Args()[1:])
	case "find":
		return cmdFind(lat, fs.Args()[1:])
	case "checkpoint":
		return lat.Checkpoint()
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	fmt.Println("latticectl <command> [flags] <store-path> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  add <path> <type> <name> <data>   Add a text node")
	fmt.Println("  get <path> <device:local>          Print a node by id")
	fmt.Println("  find <path> <prefix> [limit]       List ids under a prefix")
	fmt.Println("  checkpoint <path>                  Flush + checkpoint the store")
	fmt.Println("  shell <path>                       Open an interactive REPL")
	fmt.Println()
	fmt.Println("Flags: --device-id, --node-cap, --ram-cache")
}

func cmdAdd(lat *lattice.Lattice, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: add <type> <name> <data>")
	}
	typ, err := parseNodeType(args[0])
	if err != nil {
		return err
	}
	id, err := lat.Add(typ, args[1], []byte(args[2]), 0, true)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdGet(lat *lattice.Lattice, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: get <device:local>")
	}
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	n, err := lat.Get(id)
	if err != nil {
		return err
	}
	if n.TextReadWarning {
		fmt.Fprintln(os.Stderr, "warning: node data truncated at the first zero byte (written as binary)")
	}
	printNode(os.Stdout, n)
	return nil
}

func cmdFind(lat *lattice.Lattice, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: find <prefix> [limit]")
	}
	limit := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad limit: %w", err)
		}
		limit = n
	}
	ids, err := lat.FindByPrefix(args[0], limit, lattice.Filters{})
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printNode(w io.Writer, n lattice.Node) {
	fmt.Fprintf(w, "id=%s type=%s name=%q parent=%s confidence=%g ts=%d data=%q\n",
		n.ID, n.Type, n.Name, n.ParentID, n.Confidence, n.TimestampMicros, n.Data)
}

func parseNodeID(s string) (lattice.NodeID, error) {
	device, local, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("expected device:local, got %q", s)
	}
	d, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		return 0, err
	}
	l, err := strconv.ParseUint(local, 10, 32)
	if err != nil {
		return 0, err
	}
	return lattice.ComposeID(uint32(d), uint32(l)), nil
}

func parseNodeType(s string) (lattice.NodeType, error) {
	switch strings.ToLower(s) {
	case "primitive":
		return lattice.TypePrimitive, nil
	case "kernel":
		return lattice.TypeKernel, nil
	case "pattern":
		return lattice.TypePattern, nil
	case "performance":
		return lattice.TypePerformance, nil
	case "learning":
		return lattice.TypeLearning, nil
	case "anti-pattern":
		return lattice.TypeAntiPattern, nil
	case "metadata":
		return lattice.TypeMetadata, nil
	default:
		return 0, fmt.Errorf("unknown node type: %s", s)
	}
}

// repl is the interactive command loop, modelled on the teacher's own
// slotcache REPL tool (cmd/sloty): a liner.State for readline-style input
// and history, a flat command switch, and a tab completer.
type repl struct {
	lat   *lattice.Lattice
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".latticectl_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("latticectl - lattice store shell (%s)\n", r.path)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("lattice> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "add":
			if err := cmdAdd(r.lat, args); err != nil {
				fmt.Println("error:", err)
			}
		case "get":
			if err := cmdGet(r.lat, args); err != nil {
				fmt.Println("error:", err)
			}
		case "find":
			if err := cmdFind(r.lat, args); err != nil {
				fmt.Println("error:", err)
			}
		case "checkpoint":
			if err := r.lat.Checkpoint(); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"add", "get", "find", "checkpoint", "help", "exit", "quit", "q"}
	var out []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <type> <name> <data>   Add a text node, durably")
	fmt.Println("  get <device:local>          Print a node by id")
	fmt.Println("  find <prefix> [limit]       List ids under a prefix")
	fmt.Println("  checkpoint                  Flush + checkpoint the store")
	fmt.Println("  help                        Show this help")
	fmt.Println("  exit / quit / q             Exit")
}
