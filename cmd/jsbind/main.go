// Command jsbind is an interactive JavaScript REPL with the bridge's demo
// native module loaded. It runs on goja or on QuickJS-ng under wazero.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind"
	gojahost "github.com/Gaurav-Gosain/jsbind/host/goja"
	quickjshost "github.com/Gaurav-Gosain/jsbind/host/quickjs"
)

const version = "0.1.0"

// Styles
var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	errorColor     = lipgloss.Color("#EF4444")
	warningColor   = lipgloss.Color("#F59E0B")
	infoColor      = lipgloss.Color("#3B82F6")
	dimColor       = lipgloss.Color("#6B7280")
	stringColor    = lipgloss.Color("#10B981")
	numberColor    = lipgloss.Color("#3B82F6")
	boolColor      = lipgloss.Color("#F59E0B")

	logoStyle         = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	promptStyle       = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	continuationStyle = lipgloss.NewStyle().Foreground(dimColor)
	errorStyle        = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	errorMsgStyle     = lipgloss.NewStyle().Foreground(errorColor)
	successStyle      = lipgloss.NewStyle().Foreground(secondaryColor)
	infoStyle         = lipgloss.NewStyle().Foreground(infoColor)
	dimStyle          = lipgloss.NewStyle().Foreground(dimColor)
	stringStyle       = lipgloss.NewStyle().Foreground(stringColor)
	numberStyle       = lipgloss.NewStyle().Foreground(numberColor)
	boolStyle         = lipgloss.NewStyle().Foreground(boolColor)
	cmdStyle          = lipgloss.NewStyle().Foreground(warningColor)
	titleStyle        = lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Underline(true)
	resultStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA"))
)

// Syntax highlighter
var (
	jsLexer     chroma.Lexer
	chromaStyle *chroma.Style
	formatter   chroma.Formatter
)

func initSyntaxHighlighter() {
	if !isTerminal(os.Stdout) {
		return
	}
	jsLexer = lexers.Get("javascript")
	if jsLexer == nil {
		jsLexer = lexers.Fallback
	}
	jsLexer = chroma.Coalesce(jsLexer)
	chromaStyle = styles.Get("dracula")
	if chromaStyle == nil {
		chromaStyle = styles.Fallback
	}
	formatter = formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func highlightCode(code string) string {
	if jsLexer == nil {
		return code
	}
	var buf bytes.Buffer
	iterator, err := jsLexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	if err := formatter.Format(&buf, chromaStyle, iterator); err != nil {
		return code
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// REPL state
type replState struct {
	cfg         Config
	log         *zap.Logger
	eng         engine
	rl          *readline.Instance
	evalCount   int
	multiline   strings.Builder
	inMultiline bool
	startTime   time.Time
}

func main() {
	os.Exit(run())
}

func run() int {
	evalCode := flag.String("e", "", "evaluate code and exit")
	configPath := flag.String("config", "", "read settings from a YAML file")
	engineFlag := flag.String("engine", "", "script engine: goja or quickjs")
	wasmPath := flag.String("wasm", "", "QuickJS-ng wasm module (quickjs engine)")
	verbose := flag.Bool("v", false, "log bridge events to stderr")
	showVersion := flag.Bool("version", false, "show version")
	showHelp := flag.Bool("help", false, "show help")
	timing := flag.Bool("timing", false, "show execution time")
	flag.Parse()

	initSyntaxHighlighter()

	if *showVersion {
		printVersion()
		return 0
	}

	if *showHelp {
		printUsage()
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		return 1
	}
	if *engineFlag != "" {
		cfg.Engine = *engineFlag
	}
	if *wasmPath != "" {
		cfg.Wasm = *wasmPath
	}
	if *timing {
		cfg.Timing = true
	}
	if *verbose && cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		return 1
	}

	log, err := cfg.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to build logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	jsbind.SetLogger(log)

	m, err := demo{ex: jsbind.NewPoolExecutor(cfg.Pool), delay: 100 * time.Millisecond}.module()
	if err == nil {
		err = jsbind.Register(m)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to register demo module:", err)
		return 1
	}

	eng, err := newEngine(cfg, os.Stdout, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		return 1
	}
	state := &replState{
		cfg:       cfg,
		log:       log,
		eng:       eng,
		startTime: time.Now(),
	}
	defer func() { _ = state.eng.Close() }()

	if *evalCode != "" {
		result, duration, err := state.eval("<eval>", *evalCode)
		if err != nil {
			printError(err)
			return 1
		}
		if result != nil {
			printValue(result)
		}
		if state.cfg.Timing {
			printTiming(duration)
		}
		return 0
	}

	args := flag.Args()
	if len(args) > 0 {
		for _, filename := range args {
			if err := state.runFile(filename); err != nil {
				printError(err)
				return 1
			}
		}
		return 0
	}

	if !isTerminal(os.Stdin) {
		src, err := io.ReadAll(os.Stdin)
		if err != nil {
			printError(err)
			return 1
		}
		if _, _, err := state.eval("<stdin>", string(src)); err != nil {
			printError(err)
			return 1
		}
		return 0
	}

	state.runREPL()
	return 0
}

func printVersion() {
	fmt.Println(logoStyle.Render("jsbind") + dimStyle.Render(" v"+version))
	fmt.Println(dimStyle.Render("A native module bridge for goja and QuickJS-ng"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("Go %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)))
}

func printUsage() {
	fmt.Println()
	fmt.Println(titleStyle.Render("jsbind - native module bridge REPL"))
	fmt.Println()

	fmt.Println(logoStyle.Render("USAGE"))
	fmt.Println("  jsbind [options] [script.js...]")
	fmt.Println()

	fmt.Println(logoStyle.Render("OPTIONS"))
	opts := []struct{ flag, desc string }{
		{"-e <code>", "Evaluate JavaScript code and exit"},
		{"-engine <name>", "Script engine: goja (default) or quickjs"},
		{"-wasm <file>", "QuickJS-ng wasm module for -engine quickjs"},
		{"-config <file>", "Read settings from a YAML file"},
		{"-timing", "Show execution time"},
		{"-v", "Log bridge events to stderr"},
		{"-version", "Show version information"},
		{"-help", "Show this help message"},
	}
	for _, o := range opts {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-16s", o.flag)), dimStyle.Render(o.desc))
	}
	fmt.Println()

	fmt.Println(logoStyle.Render("REPL COMMANDS"))
	for _, c := range replCommands {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", c.cmd)), dimStyle.Render(c.desc))
	}
	fmt.Println()
}

var replCommands = []struct{ cmd, desc string }{
	{".help", "Show this help message"},
	{".exit", "Exit the REPL"},
	{".clear", "Clear the screen"},
	{".history [n]", "Show last n commands (default: 20)"},
	{".examples", "Run the native module examples"},
	{".bench", "Run bridge benchmarks"},
	{".timing", "Toggle execution timing"},
	{".load <file>", "Load and execute a JavaScript file"},
	{".modules", "List native modules"},
	{".info", "Show runtime information"},
	{".gc", "Collect garbage and run finalizers"},
	{".reset", "Start a fresh engine"},
}

func (s *replState) runFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	_, duration, err := s.eval(filename, string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	if s.cfg.Timing {
		printTiming(duration)
	}
	return nil
}

// eval runs code and waits for a promise result to settle.
func (s *replState) eval(name, code string) (any, time.Duration, error) {
	start := time.Now()
	result, err := s.eng.Await(name, code, s.cfg.Timeout)
	duration := time.Since(start)
	for _, msg := range s.eng.Uncaught() {
		s.log.Warn("uncaught exception", zap.String("message", msg))
	}
	return result, duration, err
}

func (s *replState) historyFile() string {
	if s.cfg.History != "" {
		return s.cfg.History
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".jsbind_history")
	}
	return ""
}

func (s *replState) runREPL() {
	completions := []string{
		// Keywords
		"var", "let", "const", "function", "return", "if", "else", "for", "while",
		"try", "catch", "finally", "throw", "new", "typeof", "instanceof",
		"true", "false", "null", "undefined", "class", "async", "await",
		// Globals
		"console", "Math", "JSON", "Object", "Array", "Promise", "Error", "TypeError",
		"require", "require('demo')",
		// Demo module
		"hello", "hello2", "justSleep", "basic", "MyObject", "StreamFactory",
		// Commands
		".help", ".exit", ".clear", ".examples", ".bench", ".timing", ".load",
		".modules", ".info", ".gc", ".reset", ".history",
	}

	completer := readline.NewPrefixCompleter()
	for _, item := range completions {
		completer.Children = append(completer.Children, readline.PcItem(item))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            s.getPrompt(false),
		HistoryFile:       s.historyFile(),
		HistoryLimit:      1000,
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to initialize readline:", err)
		return
	}
	defer rl.Close()
	s.rl = rl

	s.printBanner()

	for {
		rl.SetPrompt(s.getPrompt(s.inMultiline))

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if s.inMultiline {
					s.multiline.Reset()
					s.inMultiline = false
					fmt.Println()
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				fmt.Println(dimStyle.Render("Goodbye!"))
				return
			}
			continue
		}

		if !s.inMultiline && strings.HasPrefix(line, ".") {
			if !s.handleCommand(line) {
				return
			}
			continue
		}

		if s.inMultiline {
			if line == "" {
				code := s.multiline.String()
				s.multiline.Reset()
				s.inMultiline = false
				s.evalAndPrint(code)
			} else {
				s.multiline.WriteString(line)
				s.multiline.WriteString("\n")
			}
			continue
		}

		if line == "exit" || line == "quit" {
			fmt.Println(dimStyle.Render("Goodbye!"))
			return
		}

		if strings.HasSuffix(line, "\\") {
			s.multiline.WriteString(strings.TrimSuffix(line, "\\"))
			s.multiline.WriteString("\n")
			s.inMultiline = true
			continue
		}

		if needsContinuation(line) {
			s.multiline.WriteString(line)
			s.multiline.WriteString("\n")
			s.inMultiline = true
			continue
		}

		s.evalAndPrint(line)
	}
}

func (s *replState) getPrompt(continuation bool) string {
	if continuation {
		return continuationStyle.Render("... ")
	}
	return promptStyle.Render("jsbind") + dimStyle.Render(" > ")
}

func (s *replState) printBanner() {
	logo := `
   ┬┌─┐┌┐ ┬┌┐┌┌┬┐
   │└─┐├┴┐││││ ││
  └┘└─┘└─┘┴┘└┘─┴┘`

	fmt.Println(logoStyle.Render(logo))
	fmt.Println()
	fmt.Println(dimStyle.Render("  jsbind v" + version + " on " + engineName(s.cfg.Engine)))
	fmt.Println(dimStyle.Render("  Type ") + cmdStyle.Render(".help") + dimStyle.Render(" for commands, ") + cmdStyle.Render(".examples") + dimStyle.Render(" to try the demo module"))
	fmt.Println()
}

// handleCommand runs a dot command. It returns false when the REPL should
// exit.
func (s *replState) handleCommand(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case ".help", ".h", ".?":
		s.cmdHelp()
	case ".exit", ".quit", ".q":
		fmt.Println(dimStyle.Render("Goodbye!"))
		return false
	case ".clear", ".cls":
		fmt.Print("\033[H\033[2J")
	case ".history":
		s.cmdHistory(args)
	case ".timing", ".time":
		s.cfg.Timing = !s.cfg.Timing
		if s.cfg.Timing {
			fmt.Println(successStyle.Render("✓") + " Timing enabled")
		} else {
			fmt.Println(infoStyle.Render("○") + " Timing disabled")
		}
	case ".load", ".l":
		s.cmdLoad(args)
	case ".modules", ".m":
		s.cmdModules()
	case ".info", ".i":
		s.cmdInfo()
	case ".gc":
		s.cmdGC()
	case ".reset":
		return s.cmdReset()
	case ".examples", ".ex":
		s.cmdExamples()
	case ".bench", ".benchmark":
		s.cmdBenchmark()
	default:
		fmt.Println(errorStyle.Render("Unknown command:") + " " + cmd)
		fmt.Println(dimStyle.Render("Type .help for available commands"))
	}
	return true
}

func (s *replState) cmdHelp() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Commands"))
	fmt.Println()

	for _, c := range replCommands {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", c.cmd)), dimStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(titleStyle.Render("Keyboard"))
	fmt.Println()
	shortcuts := []struct{ key, desc string }{
		{"↑/↓", "Navigate history"},
		{"Ctrl+R", "Search history"},
		{"Ctrl+C", "Cancel input"},
		{"Ctrl+D", "Exit REPL"},
		{"Tab", "Autocomplete"},
	}
	for _, sc := range shortcuts {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-12s", sc.key)), dimStyle.Render(sc.desc))
	}
	fmt.Println()
}

var examples = []struct {
	title string
	code  string
	desc  string
}{
	{
		"Load",
		"const demo = require('demo'); Object.keys(demo).sort()",
		"Install the native module into an exports object",
	},
	{
		"Class",
		"const o = new (require('demo').MyObject)(10); o.plusOne()",
		"Construct a wrapped native object",
	},
	{
		"Accessors",
		"const p = new (require('demo').MyObject)(-4); p.value = 6; [p.value, p.isPositive]",
		"Getter and setter backed by native state",
	},
	{
		"Plain Objects",
		"new (require('demo').MyObject)(5).plusScore({ score: 10 })",
		"Read properties of a script object",
	},
	{
		"New Instance",
		"new (require('demo').MyObject)(3).multiply(-2).value",
		"Native code constructs another instance",
	},
	{
		"Promise",
		"require('demo').hello(5)",
		"Future settled on the host thread",
	},
	{
		"Rejection",
		"require('demo').hello2(-5).catch(e => e.message)",
		"Native error becomes a rejected promise",
	},
	{
		"Async Method",
		"new (require('demo').MyObject)(40).plusTwo(2)",
		"Method returning a promise",
	},
	{
		"Plain Call",
		"try { require('demo').MyObject(1) } catch (e) { e.code }",
		"Constructors require new",
	},
	{
		"Stream",
		"new Promise(r => { let sum = 0, n = 0; new (require('demo').StreamFactory)().stream(10, v => { sum += v; if (++n === 10) r(sum); }); })",
		"Items delivered to a callback one by one",
	},
	{
		"Stream Check",
		"try { new (require('demo').StreamFactory)().stream(20, () => {}) } catch (e) { e.message }",
		"Arguments are checked before the stream starts",
	},
	{
		"Callback",
		"new Promise(r => require('demo').basic(10, (a, b) => r([a, b])))",
		"Script callback called from a worker goroutine",
	},
}

func (s *replState) cmdExamples() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Native Module Examples"))
	fmt.Println()

	for i, ex := range examples {
		fmt.Printf("  %d. %s\n", i+1, titleStyle.Render(ex.title))
		fmt.Printf("     %s\n", dimStyle.Render(ex.desc))
		fmt.Printf("     %s\n", highlightCode(ex.code))

		result, _, err := s.eval(fmt.Sprintf("<example %d>", i+1), "{"+ex.code+"}")
		if err != nil {
			fmt.Printf("     %s %s\n", errorStyle.Render("→"), errorMsgStyle.Render(err.Error()))
		} else {
			fmt.Printf("     %s %s\n", resultStyle.Render("→"), formatResult(result))
		}
		fmt.Println()
	}
}

func (s *replState) cmdBenchmark() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Bridge Benchmarks"))
	fmt.Println()

	benchmarks := []struct {
		name string
		code string
	}{
		{
			"Script loop (1M iterations)",
			"(() => { let i = 0; while (i < 1000000) { i++; } return i; })()",
		},
		{
			"Native method calls (10K)",
			"(() => { const o = new (require('demo').MyObject)(0); let s = 0; for (let i = 0; i < 10000; i++) { s = o.plusOne(); } return s; })()",
		},
		{
			"Native accessor writes (10K)",
			"(() => { const o = new (require('demo').MyObject)(0); for (let i = 0; i < 10000; i++) { o.value = i; } return o.value; })()",
		},
		{
			"Wrapped objects (1K)",
			"(() => { const C = require('demo').MyObject; let n = 0; for (let i = 0; i < 1000; i++) { n += new C(i).isPositive ? 1 : 0; } return n; })()",
		},
		{
			"Module installs (100)",
			"(() => { let n = 0; for (let i = 0; i < 100; i++) { n += Object.keys(require('demo')).length; } return n; })()",
		},
	}

	fmt.Println(dimStyle.Render("  Running benchmarks..."))
	fmt.Println()

	var totalTime time.Duration

	for _, bench := range benchmarks {
		result, duration, err := s.eval("<bench>", bench.code)
		totalTime += duration

		if err != nil {
			fmt.Printf("  %s %s\n", errorStyle.Render("✗"), bench.name)
			fmt.Printf("    %s\n", errorMsgStyle.Render(err.Error()))
		} else {
			fmt.Printf("  %s %s\n", successStyle.Render("✓"), bench.name)
			fmt.Printf("    Result: %s  Time: %s\n",
				dimStyle.Render(formatResultShort(result)),
				timingStyle(duration).Render(duration.String()))
		}
		fmt.Println()
	}

	fmt.Println(dimStyle.Render("  ─────────────────────────────────────"))
	fmt.Printf("  Total time: %s\n", infoStyle.Render(totalTime.String()))
	fmt.Println()
}

func (s *replState) cmdHistory(args []string) {
	n := 20
	if len(args) > 0 {
		if parsed, err := strconv.Atoi(args[0]); err == nil && parsed > 0 {
			n = parsed
		}
	}

	data, err := os.ReadFile(s.historyFile())
	if err != nil {
		fmt.Println(dimStyle.Render("No history"))
		return
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}

	fmt.Println()
	fmt.Println(titleStyle.Render("History"))
	fmt.Println()
	for i, line := range lines[start:] {
		num := start + i + 1
		fmt.Printf("  %s  %s\n", dimStyle.Render(fmt.Sprintf("%4d", num)), highlightCode(line))
	}
	fmt.Println()
}

func (s *replState) cmdLoad(args []string) {
	if len(args) == 0 {
		fmt.Println(errorStyle.Render("Usage:") + " .load <filename>")
		return
	}

	filename := args[0]
	fmt.Println(dimStyle.Render("Loading " + filename + "..."))

	if err := s.runFile(filename); err != nil {
		printError(err)
	} else {
		fmt.Println(successStyle.Render("✓") + " Loaded successfully")
	}
}

func (s *replState) cmdModules() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Native Modules"))
	fmt.Println()
	for _, name := range jsbind.Modules() {
		m, _ := jsbind.Lookup(name)
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", name)), dimStyle.Render(strings.Join(m.Exports(), ", ")))
	}
	fmt.Println()
}

func (s *replState) cmdInfo() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(s.startTime)

	fmt.Println()
	fmt.Println(titleStyle.Render("Runtime Information"))
	fmt.Println()

	info := []struct{ label, value string }{
		{"Version", version},
		{"Engine", engineName(s.cfg.Engine)},
		{"Go Version", runtime.Version()},
		{"OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)},
		{"Go Heap", fmt.Sprintf("%.2f MB", float64(memStats.HeapAlloc)/1024/1024)},
		{"Go Sys", fmt.Sprintf("%.2f MB", float64(memStats.Sys)/1024/1024)},
		{"GC Runs", fmt.Sprintf("%d", memStats.NumGC)},
		{"Finalized", fmt.Sprintf("%d", s.eng.Finalized())},
		{"Modules", strings.Join(jsbind.Modules(), ", ")},
		{"Worker Pool", fmt.Sprintf("%d", s.cfg.Pool)},
		{"Evaluations", fmt.Sprintf("%d", s.evalCount)},
		{"Uptime", uptime.Round(time.Second).String()},
	}

	for _, i := range info {
		fmt.Printf("  %s  %s\n", dimStyle.Render(fmt.Sprintf("%-14s", i.label)), i.value)
	}
	fmt.Println()
}

func (s *replState) cmdGC() {
	fmt.Println(dimStyle.Render("Running garbage collection..."))

	before := s.eng.Finalized()
	start := time.Now()
	if err := s.eng.GC(); err != nil {
		printError(err)
		return
	}
	// Finalizers are queued to the host thread; let them run.
	_ = s.eng.Do(func() error { return nil })
	duration := time.Since(start)

	fmt.Println(successStyle.Render("✓") + fmt.Sprintf(" GC completed in %v (%d native objects finalized)", duration, s.eng.Finalized()-before))
}

// cmdReset replaces the engine. It returns false if no engine could be
// started.
func (s *replState) cmdReset() bool {
	fmt.Println(dimStyle.Render("Resetting engine..."))

	if err := s.eng.Close(); err != nil {
		printError(err)
	}
	eng, err := newEngine(s.cfg, os.Stdout, s.log)
	if err != nil {
		printError(err)
		return false
	}

	s.eng = eng
	s.evalCount = 0

	fmt.Println(successStyle.Render("✓") + " Engine reset")
	return true
}

func (s *replState) evalAndPrint(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}

	s.evalCount++

	result, duration, err := s.eval("<repl>", code)
	if err != nil {
		printError(err)
		return
	}

	if result != nil {
		printValue(result)
	}

	if s.cfg.Timing {
		printTiming(duration)
	}
}

// formatResult renders an exported script value.
func formatResult(v any) string {
	switch v := v.(type) {
	case nil:
		return dimStyle.Render("undefined")
	case bool:
		return boolStyle.Render(strconv.FormatBool(v))
	case float64:
		return numberStyle.Render(formatNumber(v))
	case string:
		return stringStyle.Render(strconv.Quote(v))
	case error:
		return errorStyle.Render(v.Error())
	}
	return plain(v, 0)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// plain renders v without styling.
func plain(v any, depth int) string {
	if depth > 4 {
		return "…"
	}
	switch v := v.(type) {
	case nil:
		return "null"
	case float64:
		return formatNumber(v)
	case string:
		return strconv.Quote(v)
	case []any:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = plain(x, depth+1)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + plain(v[k], depth+1)
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	if reflect.ValueOf(v).Kind() == reflect.Func {
		return "[Function]"
	}
	return fmt.Sprint(v)
}

func formatResultShort(v any) string {
	str := plain(v, 0)
	if len(str) > 50 {
		str = str[:47] + "..."
	}
	return str
}

func printValue(v any) {
	fmt.Println(formatResult(v))
}

func printError(err error) {
	title := "Error"
	var gerr *gojahost.ScriptError
	var qerr *quickjshost.ScriptError
	switch {
	case errors.As(err, &gerr) && gerr.Name != "":
		title = gerr.Name
	case errors.As(err, &qerr) && qerr.Name != "":
		title = qerr.Name
	}
	fmt.Println()
	fmt.Println(errorStyle.Render(title))
	fmt.Println(errorMsgStyle.Render(err.Error()))
	fmt.Println()
}

func timingStyle(duration time.Duration) lipgloss.Style {
	switch {
	case duration < 10*time.Millisecond:
		return successStyle
	case duration < 100*time.Millisecond:
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return errorStyle
	}
}

func printTiming(duration time.Duration) {
	fmt.Println(timingStyle(duration).Render(fmt.Sprintf("⏱  %v", duration)))
}

func needsContinuation(line string) bool {
	opens := 0
	inString := false
	var stringChar byte

	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inString {
			if ch == stringChar && (i == 0 || line[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			inString = true
			stringChar = ch
		case '{', '(', '[':
			opens++
		case '}', ')', ']':
			opens--
		}
	}
	return opens > 0 || inString
}
