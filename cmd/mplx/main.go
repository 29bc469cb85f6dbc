package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"mplx/pkg/bytecode"
	"mplx/pkg/config"
	"mplx/pkg/logger"
	"mplx/pkg/runstore"
	"mplx/pkg/vm"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const version = "mplx 0.2.0"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags] <file>

Commands:
  run      run a module (.masm or .mbc) and print its result
  check    report which functions the JIT can compile
  asm      assemble a .masm file into a binary image
  disasm   print the instructions of a module
  symbols  list the functions of a module as JSON
  history  list recorded runs of a module
  version  print the version
`, filepath.Base(os.Args[0]))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var code int
	switch cmd {
	case "run":
		code = runCmd(args)
	case "check":
		code = checkCmd(args)
	case "asm":
		code = asmCmd(args)
	case "disasm":
		code = disasmCmd(args)
	case "symbols":
		code = symbolsCmd(args)
	case "history":
		code = historyCmd(args)
	case "version", "-version", "--version":
		fmt.Println(version)
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		code = 2
	}
	os.Exit(code)
}

// commonFlags are accepted by every command that loads a module
type commonFlags struct {
	debug   *bool
	noColor *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		debug:   fs.Bool("debug", false, "Enable debug logging"),
		noColor: fs.Bool("no-color", false, "Disable colored log output"),
	}
}

// parse parses args and requires at least one positional file argument
func parse(fs *flag.FlagSet, args []string, c commonFlags) (*log.Logger, bool) {
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	lg := logger.Init(*c.debug, *c.noColor)
	if fs.NArg() == 0 {
		lg.Error("No input file provided", "help", fmt.Sprintf("%s %s -h", filepath.Base(os.Args[0]), fs.Name()))
		return nil, false
	}
	return lg, true
}

// Report is the -json output of run.
type Report struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	Entry       string         `json:"entry"`
	Args        []int64        `json:"args"`
	Mode        string         `json:"mode"`
	Result      *int64         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration_ns"`
	Steps       uint64         `json:"steps"`
	Interpreted uint64         `json:"interpreted_calls"`
	Compiled    uint64         `json:"compiled_calls"`
	Trampoline  uint64         `json:"trampoline_calls"`
	CacheHits   uint64         `json:"cache_hits"`
	Units       int            `json:"compiled_units"`
	CodeBytes   int            `json:"code_bytes"`
	Rejects     map[string]int `json:"rejects,omitempty"`
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common := addCommon(fs)
	configPath := fs.String("config", "", "Path to a YAML or TOML configuration file")
	jitMode := fs.String("jit", "", "JIT mode: off, on or auto")
	hot := fs.Uint64("hot", 0, "Invocations before auto mode compiles a function")
	verify := fs.Bool("verify", false, "Check the compiled entry against the interpreter")
	dump := fs.Bool("dump", false, "Write every compiled unit to stderr")
	fuse := fs.Bool("fuse", false, "Interpret pop;ret as one step")
	trace := fs.Bool("trace", false, "Log every interpreted instruction")
	traceCalls := fs.Bool("trace-calls", false, "Log calls, returns and tiering decisions")
	traceLimit := fs.Int("trace-limit", 0, "Maximum number of trace records (0 for no limit)")
	stackSlots := fs.Int("stack", 0, "Operand stack capacity in slots")
	entry := fs.String("entry", "main", "Function to run")
	dbPath := fs.String("db", "", "Record the run in this history database")
	asJSON := fs.Bool("json", false, "Print a JSON report instead of the result line")

	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 2
	}
	// flags given on the command line win over file and environment
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "jit":
			cfg.JIT.Mode = *jitMode
		case "hot":
			cfg.JIT.Threshold = *hot
		case "verify":
			cfg.JIT.Verify = *verify
		case "dump":
			cfg.JIT.Dump = *dump
		case "fuse":
			cfg.JIT.FusePopReturn = *fuse
		case "trace":
			cfg.Trace.Steps = *trace
		case "trace-calls":
			cfg.Trace.Calls = *traceCalls
		case "trace-limit":
			cfg.Trace.Limit = *traceLimit
		case "stack":
			cfg.VM.StackSlots = *stackSlots
		case "db":
			cfg.Store.Path = *dbPath
		}
	})
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid option", "error", err)
		return 2
	}
	opts, err := cfg.Options()
	if err != nil {
		logger.Error("Invalid option", "error", err)
		return 2
	}
	opts.Logger = logger
	if (cfg.Trace.Steps || cfg.Trace.Calls) && !*common.debug {
		// trace records are logged at info level
		logger.SetLevel(log.InfoLevel)
	}
	if cfg.JIT.Dump {
		opts.Dump = os.Stderr
	}

	path := fs.Arg(0)
	runArgs := make([]int64, 0, fs.NArg()-1)
	for _, s := range fs.Args()[1:] {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			logger.Error("Invalid argument", "arg", s, "error", err)
			return 2
		}
		runArgs = append(runArgs, n)
	}

	m, err := bytecode.LoadFile(path)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	machine, err := vm.New(m, opts)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer machine.Close()

	id := uuid.New()
	started := time.Now()
	result, runErr := machine.Run(*entry, runArgs...)
	elapsed := time.Since(started)
	stats := machine.Stats()
	logger.Debug("run finished", "id", id, "entry", *entry, "elapsed", elapsed,
		"steps", stats.Steps, "compiled", stats.Compiled, "units", stats.JIT.Units)

	hash := bytecode.Hash(m)
	if cfg.Store.Path != "" {
		rec := runstore.Record{
			ID:       id,
			Module:   hash,
			Entry:    *entry,
			Args:     runArgs,
			Mode:     opts.Mode.String(),
			Result:   result,
			Started:  started,
			Duration: elapsed,
			Stats: runstore.Stats{
				Steps:           stats.Steps,
				Interpreted:     stats.Interpreted,
				Compiled:        stats.Compiled,
				TrampolineCalls: stats.TrampolineCalls,
				Compilations:    uint64(stats.JIT.Compilations),
				Rejects:         uint64(stats.JIT.Rejects),
			},
		}
		if runErr != nil {
			rec.Fault = runErr.Error()
		}
		if err := record(cfg.Store.Path, &rec); err != nil {
			logger.Warn("Failed to record run", "db", cfg.Store.Path, "error", err)
		}
	}

	if *asJSON {
		rep := Report{
			ID:          id.String(),
			Module:      hex.EncodeToString(hash[:]),
			Entry:       *entry,
			Args:        runArgs,
			Mode:        opts.Mode.String(),
			Duration:    elapsed,
			Steps:       stats.Steps,
			Interpreted: stats.Interpreted,
			Compiled:    stats.Compiled,
			Trampoline:  stats.TrampolineCalls,
			CacheHits:   stats.CacheHits,
			Units:       stats.JIT.Units,
			CodeBytes:   stats.JIT.CodeBytes,
			Rejects:     stats.JIT.RejectCauses,
		}
		if runErr != nil {
			rep.Error = runErr.Error()
		} else {
			rep.Result = &result
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			logger.Error("Failed to write report", "error", err)
			return 1
		}
		if runErr != nil {
			return 1
		}
		return 0
	}

	if runErr != nil {
		fmt.Printf("Runtime error: %v\n", runErr)
		return 1
	}
	fmt.Printf("Result: %d\n", result)
	return 0
}

func record(path string, rec *runstore.Record) error {
	store, err := runstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Put(rec)
}

func checkCmd(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	common := addCommon(fs)
	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}
	m, err := bytecode.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Println(err)
		return 1
	}
	machine, err := vm.New(m, vm.Options{Logger: logger})
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer machine.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tARGS\tLOCALS\tJIT")
	for i, reason := range machine.Check() {
		fn := m.Functions[i]
		status := "ok"
		if reason != nil {
			status = "rejected: " + reason.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", fn.Name, fn.Arity, fn.Locals, status)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func asmCmd(args []string) int {
	fs := flag.NewFlagSet("asm", flag.ContinueOnError)
	common := addCommon(fs)
	out := fs.String("o", "", "Output image (default: input with .mbc extension)")
	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}
	in := fs.Arg(0)
	m, err := bytecode.LoadFile(in)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	dst := *out
	if dst == "" {
		dst = strings.TrimSuffix(in, filepath.Ext(in)) + ".mbc"
	}
	image := bytecode.Encode(m)
	if err := os.WriteFile(dst, image, 0o644); err != nil {
		logger.Error("Failed to write image", "path", dst, "error", err)
		return 1
	}
	hash := bytecode.Hash(m)
	logger.Info("Assembled", "path", dst, "bytes", len(image), "functions", len(m.Functions),
		"hash", hex.EncodeToString(hash[:8]))
	return 0
}

func disasmCmd(args []string) int {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	common := addCommon(fs)
	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}
	m, err := bytecode.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Println(err)
		return 1
	}
	if err := bytecode.Disassemble(m, os.Stdout); err != nil {
		logger.Error("Failed to write listing", "error", err)
		return 1
	}
	return 0
}

func symbolsCmd(args []string) int {
	fs := flag.NewFlagSet("symbols", flag.ContinueOnError)
	common := addCommon(fs)
	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}
	m, err := bytecode.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Println(err)
		return 1
	}

	type symbol struct {
		Name   string `json:"name"`
		Arity  uint8  `json:"arity"`
		Locals uint16 `json:"locals"`
		Entry  uint32 `json:"entry"`
	}
	out := struct {
		Functions []symbol `json:"functions"`
	}{Functions: []symbol{}}
	for _, fn := range m.Functions {
		out.Functions = append(out.Functions, symbol{fn.Name, fn.Arity, fn.Locals, fn.Entry})
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		logger.Error("Failed to write symbols", "error", err)
		return 1
	}
	return 0
}

func historyCmd(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common := addCommon(fs)
	dbPath := fs.String("db", "", "History database")
	configPath := fs.String("config", "", "Path to a YAML or TOML configuration file")
	logger, ok := parse(fs, args, common)
	if !ok {
		return 2
	}
	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			return 2
		}
		path = cfg.Store.Path
	}
	if path == "" {
		logger.Error("No history database", "help", "pass -db or set store.path in the configuration")
		return 2
	}

	m, err := bytecode.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Println(err)
		return 1
	}
	store, err := runstore.Open(path)
	if err != nil {
		logger.Error("Failed to open history", "error", err)
		return 1
	}
	defer store.Close()

	runs, err := store.List(bytecode.Hash(m))
	if err != nil {
		logger.Error("Failed to read history", "error", err)
		return 1
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tID\tENTRY\tMODE\tDURATION\tOUTCOME")
	for _, r := range runs {
		outcome := fmt.Sprintf("Result: %d", r.Result)
		if r.Fault != "" {
			outcome = "Runtime error: " + r.Fault
		}
		fmt.Fprintf(tw, "%s\t%s\t%s%v\t%s\t%s\t%s\n",
			r.Started.Format(time.RFC3339), r.ID, r.Entry, r.Args, r.Mode, r.Duration, outcome)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	logger.Debug("history listed", "runs", len(runs), "db", path)
	return 0
}
