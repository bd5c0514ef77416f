// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// streamtar reads a (possibly gzip/bzip2/xz-wrapped) tar stream from
// stdin or a named file, parses it incrementally, and either dumps a
// listing (the old dumpFS walk, adapted from one fs.FS tree to one flat
// parsed-entry slice) or extracts matching entries to a directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/elliotnunn/streamtar/internal/archivecodec"
	"github.com/elliotnunn/streamtar/internal/diskextract"
	"github.com/elliotnunn/streamtar/internal/pathfilter"
	"github.com/elliotnunn/streamtar/internal/sparsecache"
	"github.com/elliotnunn/streamtar/tar"
)

func main() {
	var (
		outDir      = flag.String("C", "", "extract into this directory instead of just listing")
		include     = flagList("include", "glob pattern to include (repeatable)")
		exclude     = flagList("exclude", "glob pattern to exclude (repeatable)")
		restoreOwn  = flag.Bool("owner", false, "restore recorded uid/gid (usually requires root)")
		restoreTime = flag.Bool("times", true, "restore recorded mtime/atime")
		bufSize     = flag.Int("bufsize", 64*1024, "read chunk size fed to the parser")
		verbose     = flag.Bool("v", false, "log every violation suppressed by the audit handler")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	in := os.Stdin
	if path := flag.Arg(0); path != "" {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("open input", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	decompressed, codec, err := archivecodec.Open(in)
	if err != nil {
		logger.Error("sniff input", "error", err)
		os.Exit(1)
	}
	logger.Info("streamtar: reading", slog.String("codec", codec.String()))

	handler := (&tar.AuditViolationHandler{})
	if *verbose {
		handler.WithLogger(logger)
	}
	opts := tar.DefaultOptions()
	opts.Handler = handler

	p, err := tar.NewParser(opts)
	if err != nil {
		logger.Error("new parser", "error", err)
		os.Exit(1)
	}

	if _, err := archivecodec.Pump(decompressed, p, *bufSize); err != nil && err != io.EOF {
		logger.Error("parse", "error", err)
		os.Exit(1)
	}
	if err := p.Flush(); err != nil {
		logger.Error("incomplete archive", "error", err)
		os.Exit(1)
	}

	filter := pathfilter.New(*include, *exclude)

	var (
		extractOpts diskextract.Options
		cache       *sparsecache.Cache
	)
	if *outDir != "" {
		cache = sparsecache.New(1024, logger)
		extractOpts = diskextract.Options{
			Root:              *outDir,
			RestoreOwnership:  *restoreOwn,
			RestoreTimestamps: *restoreTime,
			SparseCache:       cache,
		}
	}

	for _, inode := range p.ExtractedFiles() {
		if !filter.Keep(inode.Path, inode.Kind == tar.EntryDirectory) {
			continue
		}
		if *outDir == "" {
			dumpInode(inode)
			continue
		}
		if err := diskextract.Extract(extractOpts, inode); err != nil {
			logger.Error("extract", "path", inode.Path, "error", err)
		}
	}

	if cache != nil {
		hits, misses := cache.Stats()
		logger.Info("sparsecache", slog.Int("hits", hits), slog.Int("misses", misses))
	}

	stats := p.Stats()
	logger.Info("streamtar: done",
		slog.Int("entries", stats.EntriesEmitted),
		slog.Uint64("bytes", stats.BytesConsumed),
		slog.Int("violations", stats.ViolationsSeen))

	if aud, ok := opts.Handler.(*tar.AuditViolationHandler); ok && len(aud.Violations) > 0 {
		logger.Warn("streamtar: violations suppressed", slog.Int("count", len(aud.Violations)))
	}
}

func dumpInode(i tar.Inode) {
	fmt.Printf("%s\t%s\tsize=%d uid=%d gid=%d\n", i.Kind, i.Path, len(i.Data), i.UID, i.GID)
	if i.IsSparse() {
		fmt.Printf("    sparse=%s real_size=%d segments=%d\n", i.SparseFormat, i.RealSize, len(i.Sparse))
	}
}

// flagList registers a repeatable string flag and returns the accumulated
// values.
func flagList(name, usage string) *[]string {
	var vals []string
	flag.Func(name, usage, func(s string) error {
		vals = append(vals, s)
		return nil
	})
	return &vals
}
