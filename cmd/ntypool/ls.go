package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/ptolstoi/ntypool/nty"
)

func runList(args []string, _ *slog.Logger) error {
	flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	if done, err := parseFlags(flagSet, args); done {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("ls takes exactly one container")
	}

	reader, err := nty.Open(flagSet.Arg(0))
	if err != nil {
		return err
	}
	defer reader.Close()

	fmt.Printf("build %d, %d segments, %s\n", reader.BuildID(), reader.SegmentChain().Len(),
		units.HumanSize(float64(reader.Extent())))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTITLE\tSIZE\tSEGMENTS\tSHAREABLE\tDIGEST")
	for _, e := range reader.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d..%d\t%t\t%s\n", e.Name, e.Title,
			units.BytesSize(float64(e.Size)), e.First, e.First+e.Count, e.Shareable, e.Digest.String()[:16])
	}
	return tw.Flush()
}
