package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/ptolstoi/ntypool/nty"
)

func runPack(args []string, logger *slog.Logger) error {
	var (
		out         string
		compression string
		segmentSize string
		buildID     uint32
		shareable   bool
	)
	flagSet := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	flagSet.StringVarP(&out, "out", "o", "", "container file to write")
	flagSet.StringVar(&compression, "compression", "zstd", "none, lz4, zstd, snappy or xz")
	flagSet.StringVar(&segmentSize, "segment-size", "1MiB", "largest decoded segment")
	flagSet.Uint32Var(&buildID, "build-id", 0, "build id recorded in the manifest")
	flagSet.BoolVar(&shareable, "shareable", false, "mark every asset shareable")
	if done, err := parseFlags(flagSet, args); done {
		return err
	}
	if out == "" || flagSet.NArg() != 1 {
		return errors.New("pack needs --out and one directory")
	}
	dir := flagSet.Arg(0)

	tag, err := nty.ParseCompressionTag(compression)
	if err != nil {
		return err
	}
	size, err := units.RAMInBytes(segmentSize)
	if err != nil {
		return err
	}
	if size <= 0 || size > 1<<31 {
		return errors.New("--segment-size must be between 1B and 2GiB")
	}

	b := &nty.Builder{BuildID: buildID, SegmentSize: int(size), Compression: tag}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var opts []nty.AssetOption
		if shareable {
			opts = append(opts, nty.WithShareable())
		}
		return b.Add(filepath.ToSlash(rel), data, opts...)
	})
	if err != nil {
		return err
	}

	if err := b.WriteFile(out); err != nil {
		return err
	}
	logger.Info("container written", "out", out, "assets", b.Len(), "compression", tag)
	return nil
}
