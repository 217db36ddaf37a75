// ntypool serves and inspects NTY asset containers.
//
// Usage:
//
//	ntypool serve --config ntypool.yaml
//	ntypool extract --config ntypool.yaml [-o out] name
//	ntypool pack --out base.nty [--compression zstd] [--segment-size 1MiB] dir
//	ntypool ls container
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

var (
	_version   string = "UNSET"
	_buildTime string = "UNSET"
)

type command struct {
	name    string
	summary string
	run     func(args []string, logger *slog.Logger) error
}

var commands = []command{
	{"serve", "attach the configured volumes and serve them over HTTP", runServe},
	{"extract", "write one asset of the configured volumes to a file or stdout", runExtract},
	{"pack", "build a container from the files of a directory", runPack},
	{"ls", "list the assets of a container", runList},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var logLevel string

	flagSet := pflag.NewFlagSet("ntypool", pflag.ContinueOnError)
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Bool("version", false, "print the version")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if version, _ := flagSet.GetBool("version"); version {
		fmt.Printf("ntypool %s (built %s)\n", _version, _buildTime)
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return errors.New("no command given")
	}
	for _, cmd := range commands {
		if cmd.name == rest[0] {
			return cmd.run(rest[1:], logger)
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printHelp(flagSet *pflag.FlagSet) {
	var names []string
	for _, cmd := range commands {
		names = append(names, fmt.Sprintf("  %-8s %s", cmd.name, cmd.summary))
	}
	fmt.Fprintf(os.Stderr, `ntypool serves and inspects NTY asset containers.

Usage:
  ntypool [flags] <command> [command flags]

Commands:
%s

Flags:
`, strings.Join(names, "\n"))
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// parseFlags parses a subcommand's flags and handles --help.
func parseFlags(flagSet *pflag.FlagSet, args []string) (done bool, err error) {
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return true, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.SetOutput(os.Stderr)
		flagSet.PrintDefaults()
		return true, nil
	}
	return false, nil
}
