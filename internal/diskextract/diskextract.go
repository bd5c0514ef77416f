// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build unix

// Package diskextract restores parsed tar inodes onto a real filesystem,
// generalizing the build-tagged unix-only device-node access that
// ino_unix.go and internal/walk/inode_unix.go each used (by way of
// syscall.Stat_t) into full entry restoration via golang.org/x/sys/unix:
// device nodes, fifos, symlinks, ownership, and timestamps, none of
// which io/fs exposes a portable way to create or set.
package diskextract

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/elliotnunn/streamtar/internal/sparsecache"
	"github.com/elliotnunn/streamtar/tar"
)

// Options configures how inodes are written to disk.
type Options struct {
	// Root is the directory new entries are created relative to.
	Root string

	// RestoreOwnership attempts Lchown with the inode's recorded uid/gid.
	// Typically only succeeds when running as root.
	RestoreOwnership bool

	// RestoreTimestamps sets mtime/atime on extracted entries.
	RestoreTimestamps bool

	// SparseCache, if non-nil, memoizes sparse hole-punch plans across
	// entries with identical sparse layouts.
	SparseCache *sparsecache.Cache
}

// Extract restores one inode beneath opts.Root, creating parent
// directories as needed.
func Extract(opts Options, inode tar.Inode) error {
	target := filepath.Join(opts.Root, filepath.FromSlash(inode.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("diskextract: %w", err)
	}

	mode := permMode(inode.Mode)

	switch inode.Kind {
	case tar.EntryDirectory:
		if err := os.MkdirAll(target, mode|0o700); err != nil {
			return fmt.Errorf("diskextract: mkdir %s: %w", inode.Path, err)
		}
	case tar.EntrySymbolicLink:
		os.Remove(target)
		if err := os.Symlink(inode.LinkTarget, target); err != nil {
			return fmt.Errorf("diskextract: symlink %s: %w", inode.Path, err)
		}
	case tar.EntryHardLink:
		os.Remove(target)
		src := filepath.Join(opts.Root, filepath.FromSlash(inode.LinkTarget))
		if err := os.Link(src, target); err != nil {
			return fmt.Errorf("diskextract: link %s: %w", inode.Path, err)
		}
	case tar.EntryFifo:
		os.Remove(target)
		if err := unix.Mkfifo(target, uint32(mode)); err != nil {
			return fmt.Errorf("diskextract: mkfifo %s: %w", inode.Path, err)
		}
	case tar.EntryCharacterDevice, tar.EntryBlockDevice:
		os.Remove(target)
		kind := uint32(unix.S_IFCHR)
		if inode.Kind == tar.EntryBlockDevice {
			kind = unix.S_IFBLK
		}
		dev := unix.Mkdev(inode.DevMajor, inode.DevMinor)
		if err := unix.Mknod(target, kind|uint32(mode), int(dev)); err != nil {
			return fmt.Errorf("diskextract: mknod %s: %w", inode.Path, err)
		}
	default:
		if err := writeRegular(opts, target, mode, inode); err != nil {
			return err
		}
	}

	if opts.RestoreOwnership {
		unix.Lchown(target, int(inode.UID), int(inode.GID))
	}
	if opts.RestoreTimestamps {
		setTimes(target, inode)
	}
	return nil
}

func writeRegular(opts Options, target string, mode os.FileMode, inode tar.Inode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("diskextract: create %s: %w", inode.Path, err)
	}
	defer f.Close()

	if !inode.IsSparse() {
		if _, err := f.Write(inode.Data); err != nil {
			return fmt.Errorf("diskextract: write %s: %w", inode.Path, err)
		}
		return nil
	}

	build := func() *sparsecache.Plan { return sparsecache.BuildPlan(inode.RealSize, inode.Sparse) }
	var plan *sparsecache.Plan
	if opts.SparseCache != nil {
		plan = opts.SparseCache.Resolve(inode.RealSize, inode.Sparse, build)
	} else {
		plan = build()
	}

	var dataOff uint64
	for _, run := range plan.Runs {
		end := dataOff + run.Length
		if end > uint64(len(inode.Data)) {
			end = uint64(len(inode.Data))
		}
		if dataOff >= end {
			break
		}
		if _, err := f.WriteAt(inode.Data[dataOff:end], int64(run.Offset)); err != nil {
			return fmt.Errorf("diskextract: sparse write %s: %w", inode.Path, err)
		}
		dataOff = end
	}
	if err := f.Truncate(int64(plan.RealSize)); err != nil {
		return fmt.Errorf("diskextract: truncate %s: %w", inode.Path, err)
	}
	return nil
}

func setTimes(target string, inode tar.Inode) {
	mtime := toTime(inode.ModTime)
	atime := toTime(inode.AccessTime)
	if inode.AccessTime == (tar.TimeStamp{}) {
		atime = mtime
	}
	unix.Lutimes(target, []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	})
}

func toTime(ts tar.TimeStamp) time.Time {
	return time.Unix(int64(ts.Seconds), int64(ts.Nanoseconds))
}

func permMode(p tar.FilePermissions) os.FileMode {
	var m os.FileMode
	add := func(perm tar.Permission, r, w, x os.FileMode) {
		if perm.Read {
			m |= r
		}
		if perm.Write {
			m |= w
		}
		if perm.Execute {
			m |= x
		}
	}
	add(p.Owner, 0o400, 0o200, 0o100)
	add(p.Group, 0o040, 0o020, 0o010)
	add(p.Other, 0o004, 0o002, 0o001)
	if p.SetUID {
		m |= os.ModeSetuid
	}
	if p.SetGID {
		m |= os.ModeSetgid
	}
	if p.Sticky {
		m |= os.ModeSticky
	}
	return m
}
