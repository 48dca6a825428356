// Package cmds implements the luadbg command line interface.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-luadbg/luadbg/pkg/attach"
	"github.com/go-luadbg/luadbg/pkg/config"
	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/go-luadbg/luadbg/pkg/scripts"
	"github.com/go-luadbg/luadbg/pkg/session"
	"github.com/go-luadbg/luadbg/pkg/terminal"
	"github.com/go-luadbg/luadbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// workingDir is the working directory passed to the helper tool.
	workingDir string
	// toolDir is the directory holding the helper tool binary.
	toolDir string
	// toolArgs are extra arguments appended to every helper tool invocation.
	toolArgs string
	// captureLog asks the injected library to forward the debuggee's output.
	captureLog bool
	// stopOnEntry pauses the debuggee on the first executed line.
	stopOnEntry bool
	// processName is a friendly name recorded for the attachment.
	processName string
	// sourceRoots are extra directories used to resolve chunk names.
	sourceRoots []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	// attachments tracks attached pids for the life of the process.
	attachments *attach.Registry

	conf *config.Config
)

const luadbgCommandLongDesc = `luadbg is a debugger for Lua programs embedded in native host processes.

It speaks two debuggee protocols: the attach protocol, where a helper tool
injects a debug hook into a running process and luadbg connects to a port
derived from the process id, and the line-JSON protocol, where the debuggee
either listens for luadbg or dials into it.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()
	attachments = attach.NewRegistry()

	rootCommand = &cobra.Command{
		Use:   "luadbg",
		Short: "luadbg is a debugger for embedded Lua.",
		Long:  luadbgCommandLongDesc,
	}
	rootCommand.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (wire,transport,attach,session)`)
	rootCommand.PersistentFlags().StringSliceVar(&sourceRoots, "source-root", nil, "Workspace directory used to resolve chunk names to files (can be given more than once).")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

The helper tool injects the debug hook library into the target process,
then luadbg connects to the hook on a port derived from the process id.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	attachCommand.Flags().StringVar(&workingDir, "wd", ".", "Working directory reported to the injected hook.")
	attachCommand.Flags().StringVar(&toolDir, "tool-dir", "", "Directory holding the helper tool binary (defaults to the configuration file setting).")
	attachCommand.Flags().StringVar(&toolArgs, "tool-args", "", "Extra arguments for the helper tool, parsed shell-style.")
	attachCommand.Flags().BoolVar(&captureLog, "capture-log", false, "Forward the debuggee's print output to this console.")
	attachCommand.Flags().StringVar(&processName, "name", "", "Friendly process name recorded for the attachment.")
	rootCommand.AddCommand(attachCommand)

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a debuggee listening for a debugger.",
		Long:  "Connect to a debuggee that runs a line-JSON debug server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address")
			}
			return nil
		},
		Run: connectCmd,
	}
	connectCommand.Flags().BoolVar(&stopOnEntry, "stop-entry", false, "Pause the debuggee on the first executed line.")
	rootCommand.AddCommand(connectCommand)

	// 'listen' subcommand.
	listenCommand := &cobra.Command{
		Use:   "listen addr",
		Short: "Wait for a debuggee to connect.",
		Long: `Listen on addr and wait for a debuggee running the line-JSON debug
client to dial in. One debuggee is served per session.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address")
			}
			return nil
		},
		Run: listenCmd,
	}
	listenCommand.Flags().BoolVar(&stopOnEntry, "stop-entry", false, "Pause the debuggee on the first executed line.")
	rootCommand.AddCommand(listenCommand)

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps",
		Short: "List processes a debugger can attach to.",
		Long:  "List candidate target processes, as reported by the helper tool.",
		Run:   psCmd,
	}
	psCommand.Flags().StringVar(&toolDir, "tool-dir", "", "Directory holding the helper tool binary (defaults to the configuration file setting).")
	rootCommand.AddCommand(psCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("luadbg version: %s\n%s\n", version.LuadbgVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// wordSepNormalizeFunc lets flags spelled with underscores match their
// dashed names.
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func setupLogging() {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newTool() (*attach.Tool, error) {
	dir := toolDir
	if dir == "" {
		dir = conf.ToolPath
	}
	args := toolArgs
	if args == "" {
		args = conf.ToolArgs
	}
	return attach.NewTool(dir, args)
}

// buildResolver indexes the configured source roots so chunk names
// reported by the debuggee can be matched to workspace files.
func buildResolver() *scripts.Resolver {
	roots := append([]string{}, conf.SourceRoots...)
	roots = append(roots, sourceRoots...)
	r := scripts.NewResolver(conf.ExtensionsOrDefault())
	for _, root := range roots {
		if err := r.AddRoot(root); err != nil {
			fmt.Fprintf(os.Stderr, "skipping source root %s: %v\n", root, err)
		}
	}
	return r
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(run(session.Config{
		Protocol:    session.ProtocolEmmy,
		Pid:         pid,
		ProcessName: processName,
		WorkingDir:  workingDir,
		CaptureLog:  captureLog,
	}))
}

func connectCmd(cmd *cobra.Command, args []string) {
	os.Exit(run(session.Config{
		Protocol:    session.ProtocolLuaPandaClient,
		Addr:        args[0],
		StopOnEntry: stopOnEntry,
	}))
}

func listenCmd(cmd *cobra.Command, args []string) {
	os.Exit(run(session.Config{
		Protocol:    session.ProtocolLuaPandaServer,
		Addr:        args[0],
		StopOnEntry: stopOnEntry,
	}))
}

func psCmd(cmd *cobra.Command, args []string) {
	setupLogging()
	tool, err := newTool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	procs, err := tool.ListProcesses()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	w := new(tabwriter.Writer)
	w.Init(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTITLE\tPATH")
	for _, p := range procs {
		fmt.Fprintf(w, "%d\t%s\t%s\n", p.Pid, p.Title, p.Path)
	}
	w.Flush()
	os.Exit(0)
}

// run wires a session to the interactive console and blocks until the
// user quits or the session terminates.
func run(sessConf session.Config) int {
	setupLogging()

	bps := &terminal.BreakpointList{}
	sessConf.Breakpoints = bps
	sessConf.Resolver = buildResolver()
	sessConf.Scripts = scripts.NewFileProvider(conf.SourceRoots)
	sessConf.Extensions = conf.ExtensionsOrDefault()
	sessConf.Retries = conf.ConnectRetriesOrDefault()
	sessConf.RetryDelay = time.Duration(conf.ConnectRetryDelayOrDefault()) * time.Millisecond
	sessConf.SettleDelay = time.Duration(conf.SettleDelayOrDefault()) * time.Millisecond

	if sessConf.Protocol == session.ProtocolEmmy {
		tool, err := newTool()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		sessConf.Tool = tool
		sessConf.Registry = attachments
		sessConf.HelperScript = "emmyHelper.lua"
	}

	sess := session.New(sessConf)
	sess.Start()

	term := terminal.New(sess, conf, bps)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
