package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/ptolstoi/ntypool/decoder"
	"github.com/ptolstoi/ntypool/pool"
)

func runExtract(args []string, logger *slog.Logger) (err error) {
	var (
		configPath string
		out        string
		verify     bool
	)
	flagSet := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "configuration file (default: $NTYPOOL_CONFIG)")
	flagSet.StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	flagSet.BoolVar(&verify, "verify", true, "check segment digests while decoding")
	if done, err := parseFlags(flagSet, args); done {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("extract takes exactly one asset name")
	}
	name := flagSet.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	p, err := attachConfigured(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer p.Terminate()

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	buffered := bufio.NewWriter(w)

	var flags decoder.Flags
	if verify {
		flags |= decoder.FlagVerify
	}
	if err := p.GetStream(pool.NewAssetUnit(name, nil), buffered, flags); err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	logger.Debug("extracted", "name", name, "out", out)
	return buffered.Flush()
}
