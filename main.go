package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/submitvar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var cmds []cmd

func init() {
	// Assigned here, cmdHelp refers to cmds.
	cmds = []cmd{
		{words: []string{"send"}, fn: cmdSend},
		{words: []string{"bulk"}, fn: cmdBulk},
		{words: []string{"ehlo"}, fn: cmdEhlo},
		{words: []string{"outbox", "list"}, fn: cmdOutboxList},
		{words: []string{"outbox", "retry"}, fn: cmdOutboxRetry},
		{words: []string{"outbox", "drop"}, fn: cmdOutboxDrop},
		{words: []string{"config", "test"}, fn: cmdConfigTest},
		{words: []string{"config", "describe"}, fn: cmdConfigDescribe},
		{words: []string{"help"}, fn: cmdHelp},
		{words: []string{"version"}, fn: cmdVersion},
		{words: []string{"helpall"}, fn: cmdHelpall},
	}
}

// errDescribe is panicked by Parse while only collecting flags, params and help
// of a command.
var errDescribe = errors.New("describing command")

type cmd struct {
	words []string
	fn    func(c *cmd)

	flag       *flag.FlagSet
	flagArgs   []string
	describing bool

	// Set by the command before calling Parse.
	unlisted bool   // Only shown in usage when the first word was given.
	params   string // Arguments after the flags, one line per alternative.
	help     string // First line is a synopsis.

	log mlog.Log
}

func (c *cmd) name() string {
	return "smtpsubmit " + strings.Join(c.words, " ")
}

// Parse parses the flags and returns the remaining arguments. When describing
// a command, it doesn't return.
func (c *cmd) Parse() []string {
	if c.describing {
		panic(errDescribe)
	}
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	return c.flag.Args()
}

// describe runs the command until Parse, for its flags, params and help.
func (c *cmd) describe() {
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.describing = true
	defer func() {
		if x := recover(); x != nil && x != errDescribe {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) synopsis() string {
	line, _, _ := strings.Cut(c.help, "\n")
	return line
}

// usageText returns the usage lines followed by the flag defaults.
func (c *cmd) usageText() string {
	var b strings.Builder
	for i, params := range strings.Split(strings.TrimSpace(c.params), "\n") {
		prefix := "usage:"
		if i > 0 {
			prefix = ""
		}
		fmt.Fprintf(&b, "%6s %s", prefix, c.name())
		if params != "" {
			fmt.Fprintf(&b, " %s", params)
		}
		b.WriteString("\n")
	}
	c.flag.SetOutput(&b)
	c.flag.PrintDefaults()
	return b.String()
}

func (c *cmd) fullHelp() string {
	s := c.usageText()
	if c.help != "" {
		s += "\n" + c.help + "\n"
	}
	return s
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.fullHelp())
	os.Exit(2)
}

// withPrefix returns the commands whose words start with words.
func withPrefix(words []string) []cmd {
	var l []cmd
	for _, c := range cmds {
		if len(c.words) >= len(words) && slices.Equal(c.words[:len(words)], words) {
			l = append(l, c)
		}
	}
	return l
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	l := withPrefix(args)
	if len(l) == 0 {
		log.Fatalf("%s: unknown command", strings.Join(args, " "))
	}
	for _, xc := range l {
		if slices.Equal(xc.words, args) {
			xc.describe()
			fmt.Print(xc.fullHelp())
			return
		}
	}
	for _, xc := range l {
		xc.describe()
		fmt.Printf("%s\n\t%s\n", xc.name(), xc.synopsis())
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var docs []string
	for _, xc := range cmds {
		xc.describe()
		if xc.unlisted {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", xc.name())
		if xc.help != "" {
			fmt.Fprintf(&b, "%s\n\n", xc.help)
		}
		b.WriteString("\t" + strings.ReplaceAll(xc.usageText(), "\n", "\n\t"))
		docs = append(docs, b.String())
	}
	fmt.Println(strings.Join(docs, "\n\n"))
}

// usage prints the command lines for l and exits. Unlisted commands are only
// included if all is set.
func usage(l []cmd, all bool) {
	lines := []string{"smtpsubmit [-config smtpsubmit.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.describe()
		if c.unlisted && !all {
			continue
		}
		for _, params := range strings.Split(c.params, "\n") {
			lines = append(lines, strings.TrimSpace(c.name()+" "+params))
		}
	}
	for i, line := range lines {
		prefix := "       "
		if i == 0 {
			prefix = "usage: "
		}
		fmt.Fprintln(os.Stderr, prefix+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // If set, overrides the default log level from the config file.

// mustLoadConfig loads the config file and sets the log levels from it, with
// the -loglevel flag taking precedence for the default level.
func mustLoadConfig() config.Submit {
	conf, err := config.Load(configPath)
	xcheckf(err, "loading config")
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		conf.LogLevels[""] = level
	}
	mlog.SetConfig(conf.LogLevels)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("SMTPSUBMITCONF", "smtpsubmit.conf"), "configuration file, relative paths in it are resolved against its directory, defaults to $SMTPSUBMITCONF with a fallback to smtpsubmit.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the default log level from the config file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt instead of a human-readable format")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		// May be set again when a command loads the config file.
		mlog.SetConfig(map[string]slog.Level{"": level})
	}

	for _, c := range cmds {
		if len(args) < len(c.words) || !slices.Equal(c.words, args[:len(c.words)]) {
			continue
		}
		c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	// First word of a multi-word command, show just those.
	if l := withPrefix(args[:1]); len(l) > 0 {
		usage(l, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	if _, err := config.Load(configPath); err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">smtpsubmit.conf"
	c.help = `Describe the configuration file, with documentation for each field.

The output is a valid configuration file, with the optional fields commented out.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	err := sconf.Describe(os.Stdout, &config.Submit{
		Host:      "smtp.example.com",
		TLSMode:   "required",
		HelloName: "localhost",
		Auth:      &config.Auth{Username: "user@example.com", Password: "secret"},
		Outbox:    filepath.FromSlash("data/outbox.db"),
		LogLevel:  "error",
	})
	xcheckf(err, "describe config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this smtpsubmit version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(submitvar.Version)
}
