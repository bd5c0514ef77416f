// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package pathfilter decides which parsed tar paths survive extraction,
// using the same doublestar glob dialect the original fuse path.glob used
// for its include/exclude matching.
package pathfilter

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter holds a set of include and exclude glob patterns.
//
// A path is kept if it matches no exclude pattern, and either no include
// patterns are configured or it matches at least one of them. Patterns
// ending in "/" match only directories.
type Filter struct {
	include []string
	exclude []string
}

// New builds a Filter from include and exclude glob pattern lists. A
// malformed pattern (per [doublestar.ValidatePattern]) is dropped rather
// than rejected outright, matching nothing instead of panicking later at
// match time.
func New(include, exclude []string) *Filter {
	f := &Filter{}
	for _, p := range include {
		if doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			f.include = append(f.include, p)
		}
	}
	for _, p := range exclude {
		if doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			f.exclude = append(f.exclude, p)
		}
	}
	return f
}

// Keep reports whether pathname (a slash-separated tar path, already
// cleaned of any leading "./" or "/") should be extracted.
func (f *Filter) Keep(pathname string, isDir bool) bool {
	for _, p := range f.exclude {
		if matches(p, pathname, isDir) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if matches(p, pathname, isDir) {
			return true
		}
	}
	return false
}

func matches(pattern, pathname string, isDir bool) bool {
	pattern, dirOnly := strings.CutSuffix(pattern, "/")
	if dirOnly && !isDir {
		return false
	}
	return doublestar.MatchUnvalidated(pattern, pathname)
}
