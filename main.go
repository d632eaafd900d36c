/*
Command backupd manages per-user backup storage for a replication-style mail
server.

Each user's backup is a pair of files: a data file holding a compressed,
append-only history of replication commands, and an index with random-access
summaries of the mailboxes, messages and chunks inside it. The subcommands
inspect, verify and rebuild those pairs.
*/
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jvbergen/backupd/config"
	"github.com/jvbergen/backupd/mlog"
)

var configPath string
var loglevel string

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"verify", cmdVerify},
	{"reindex", cmdReindex},
	{"list", cmdList},
	{"dump", cmdDump},
	{"paths", cmdPaths},
	{"describeconf", cmdDescribeconf},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help for that command.
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but
	// cause this panic after the command has registered its flags and set
	// its params and help information. This is then caught and that info
	// printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("backupd "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "backupd " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

// xcheckf aborts the subcommand on error.
func (c *cmd) xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
}

// xconfig loads the configuration file, for subcommands that need it. The
// config file log level applies unless -loglevel was given.
func (c *cmd) xconfig() config.Config {
	cfg, err := config.Load(configPath)
	c.xcheckf(err, "loading config file %s", configPath)
	if loglevel == "" && cfg.LogLevel != "" {
		level, ok := mlog.Levels[cfg.LogLevel]
		if !ok {
			log.Fatalf("unknown log level %q in %s", cfg.LogLevel, configPath)
		}
		mlog.SetConfig(map[string]mlog.Level{"": level})
	}
	return cfg
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of
their help text. If a single command matches, its usage and full help text
is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, xc := range cmds {
		if slices.Equal(xc.words, args) {
			xc.gather()
			fmt.Print(xc.makeUsage())
			if xc.help != "" {
				fmt.Print("\n" + xc.help + "\n")
			}
			return
		} else if prefix(xc.words, args) {
			partial = append(partial, xc)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, xc := range partial {
		xc.gather()
		line := "backupd " + strings.Join(xc.words, " ")
		fmt.Printf("%s\n", line)
		if xc.help != "" {
			fmt.Printf("\t%s\n", strings.Split(xc.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	var lines []string
	for _, c := range l {
		c.gather()
		s := "backupd " + strings.Join(c.words, " ")
		for _, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
			x := s
			if line != "" {
				x += " " + line
			}
			lines = append(lines, x)
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("BACKUPDCONF", filepath.FromSlash("backupd.conf")), "configuration file, defaults to $BACKUPDCONF with a fallback to backupd.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]mlog.Level{"": level})
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("backupd "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""))
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}
