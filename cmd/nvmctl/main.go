// nvmctl is a REPL for creating, inspecting, and exercising a tag store
// backed by an in-host-RAM flash image.
//
// Usage:
//
//	nvmctl -d descriptor.hujson [-s space] [--image snapshot.bin]
//
// Commands (in REPL):
//
//	write <tag> <hex>            Write tag's payload (hex-encoded bytes)
//	read <tag>                   Print tag's latest payload
//	info <tag>                   Print tag's latest version/length/address
//	versions <tag> [lo] [hi]     List every occurrence of tag in [lo, hi]
//	gc [most|threshold|asymp]    Run one GarbageCollectNoErase pass
//	erase <sector>               Force-erase one sector
//	sane <sector>                Report whether a sector scans as sane
//	reset                        TotalReset + reinitialize the space
//	save <path>                  Snapshot the image to path
//	load <path>                  Load a previously saved snapshot
//	space <id>                   Switch the active space
//	help                         Show this help
//	exit / quit / q              Exit
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/flashmock"
	"github.com/nvmtag/store/pkg/nvmstore"
	"github.com/nvmtag/store/pkg/platform"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("nvmctl", flag.ContinueOnError)
	descPath := fs.StringP("descriptor", "d", "", "hujson platform descriptor `file` (required)")
	imagePath := fs.StringP("image", "i", "", "prior snapshot `file` to load at startup")
	initialSpace := fs.Uint16P("space", "s", 0, "space to select at startup")
	skipBadSectorScan := fs.Bool("no-bad-sector-scan", false, "skip the interrupted-erase sweep during Init")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: nvmctl -d descriptor.hujson [flags]")
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	if *descPath == "" {
		fs.Usage()
		return fmt.Errorf("nvmctl: -d/--descriptor is required")
	}

	desc, err := platform.LoadFile(*descPath)
	if err != nil {
		return err
	}

	img, err := flashmock.NewImage(desc)
	if err != nil {
		return err
	}

	if *imagePath != "" {
		for _, space := range desc.Spaces() {
			if err := flashmock.LoadSnapshot(img, space, *imagePath); err != nil {
				return fmt.Errorf("loading snapshot for space %d: %w", space, err)
			}
		}
	}

	driver := flashmock.NewDriver(img)
	store := nvmstore.New(desc, driver, nil)

	ctx := context.Background()
	if err := store.Init(ctx, !*skipBadSectorScan); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	spaces := desc.Spaces()
	if len(spaces) == 0 {
		return fmt.Errorf("nvmctl: descriptor defines no spaces")
	}

	repl := &REPL{
		ctx:    ctx,
		store:  store,
		img:    img,
		space:  flashdriver.Space(*initialSpace),
		spaces: spaces,
	}

	return repl.Run()
}

// REPL is the interactive command loop, structured after cmd/sloty's liner
// based REPL: a prompt, a command table, and simple positional-argument
// parsing per command rather than a full subcommand flag set.
type REPL struct {
	ctx    context.Context
	store  *nvmstore.Store
	img    *flashmock.Image
	space  flashdriver.Space
	spaces []flashdriver.Space
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nvmctl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("nvmctl - nvm tag store CLI (space=%d)\n", r.space)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt(fmt.Sprintf("nvmctl[%d]> ", r.space))
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
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil

		case "help", "?":
			r.printHelp()

		case "write":
			r.cmdWrite(cmdArgs)

		case "read":
			r.cmdRead(cmdArgs)

		case "info":
			r.cmdInfo(cmdArgs)

		case "versions":
			r.cmdVersions(cmdArgs)

		case "gc":
			r.cmdGC(cmdArgs)

		case "erase":
			r.cmdErase(cmdArgs)

		case "sane":
			r.cmdSane(cmdArgs)

		case "reset":
			r.cmdReset()

		case "save":
			r.cmdSave(cmdArgs)

		case "load":
			r.cmdLoad(cmdArgs)

		case "space":
			r.cmdSpace(cmdArgs)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil { //nolint:gosec // operator-owned history path
			_, _ = r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	names := []string{"write", "read", "info", "versions", "gc", "erase", "sane", "reset", "save", "load", "space", "help", "exit"}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, line) {
			out = append(out, n)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  write <tag> <hex>            Write tag's payload (hex-encoded bytes)
  read <tag>                   Print tag's latest payload
  info <tag>                   Print tag's latest version/length/address
  versions <tag> [lo] [hi]     List every occurrence of tag in [lo, hi]
  gc [most|threshold|asymp]    Run one GarbageCollectNoErase pass
  erase <sector>                Force-erase one sector
  sane <sector>                 Report whether a sector scans as sane
  reset                         TotalReset + reinitialize the space
  save <path>                   Snapshot the image to path
  load <path>                   Load a previously saved snapshot
  space <id>                    Switch the active space
  help                          Show this help
  exit / quit / q               Exit`)
}

func parseTagArg(args []string) (uint16, bool) {
	if len(args) < 1 {
		fmt.Println("usage: <tag>")
		return 0, false
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Printf("invalid tag number: %v\n", err)
		return 0, false
	}
	return uint16(n), true
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: write <tag> <hex>")
		return
	}
	tag, ok := parseTagArg(args)
	if !ok {
		return
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Printf("invalid hex payload: %v\n", err)
		return
	}
	if err := r.store.WriteTag(r.ctx, r.space, tag, data); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdRead(args []string) {
	tag, ok := parseTagArg(args)
	if !ok {
		return
	}
	data, found := r.store.ReadTag(r.space, tag)
	if !found {
		fmt.Println("no clean version")
		return
	}
	fmt.Println(hex.EncodeToString(data))
}

func (r *REPL) cmdInfo(args []string) {
	tag, ok := parseTagArg(args)
	if !ok {
		return
	}
	info, found := r.store.LatestTagInfo(r.space, tag)
	if !found {
		fmt.Println("no clean version")
		return
	}
	fmt.Printf("version=%d length=%d address=%#x\n", info.Version, info.Length, info.Address)
}

func (r *REPL) cmdVersions(args []string) {
	tag, ok := parseTagArg(args)
	if !ok {
		return
	}
	var lo, hi uint16
	if len(args) >= 2 {
		v, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			fmt.Printf("invalid lo: %v\n", err)
			return
		}
		lo = uint16(v)
	}
	if len(args) >= 3 {
		v, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			fmt.Printf("invalid hi: %v\n", err)
			return
		}
		hi = uint16(v)
	}

	refs, ok := r.store.NVersions(r.space, tag, hi, lo, 0)
	if !ok {
		fmt.Println("error: unknown or uninitialized space")
		return
	}
	if len(refs) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, ref := range refs {
		state := "clean"
		if ref.Dirty {
			state = "dirty"
		}
		fmt.Printf("version=%-5d address=%#-8x length=%-5d %s\n", ref.Version, ref.Address, ref.Length, state)
	}
}

func (r *REPL) cmdGC(args []string) {
	method := nvmstore.ScoreAsymptotic
	if len(args) >= 1 {
		switch strings.ToLower(args[0]) {
		case "most":
			method = nvmstore.ScoreMostUnclean
		case "threshold":
			method = nvmstore.ScoreUncleanThreshold
		case "asymp", "asymptotic":
			method = nvmstore.ScoreAsymptotic
		default:
			fmt.Printf("unknown method: %s (want most|threshold|asymp)\n", args[0])
			return
		}
	}

	sector, err := r.store.GarbageCollectNoErase(r.ctx, r.space, method)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("abandoned sector %d (not yet erased; run 'erase %d' to complete reclamation)\n", sector, sector)
}

func (r *REPL) cmdErase(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: erase <sector>")
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Printf("invalid sector: %v\n", err)
		return
	}
	if err := r.store.EraseSectorForeground(r.ctx, r.space, uint16(n)); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdSane(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: sane <sector>")
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Printf("invalid sector: %v\n", err)
		return
	}
	fmt.Println(r.store.SanityCheckSector(r.space, uint16(n)))
}

func (r *REPL) cmdReset() {
	if err := r.store.TotalReset(r.ctx, r.space); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := r.store.Init(r.ctx, true); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdSave(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: save <path>")
		return
	}
	if err := flashmock.SaveSnapshot(r.img, r.space, args[0]); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdLoad(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: load <path>")
		return
	}
	if err := flashmock.LoadSnapshot(r.img, r.space, args[0]); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := r.store.Init(r.ctx, true); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdSpace(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: space <id>")
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Printf("invalid space id: %v\n", err)
		return
	}
	candidate := flashdriver.Space(n)
	for _, s := range r.spaces {
		if s == candidate {
			r.space = candidate
			fmt.Println("ok")
			return
		}
	}
	fmt.Printf("unknown space %d\n", n)
}
