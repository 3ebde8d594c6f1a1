// Package fspath splits slash-separated filesystem paths into the head
// segment and the remaining body, the way node resolution walks them.
package fspath

import "strings"

// Path is a slash-separated path relative to the mount root. Leading
// slashes are ignored.
type Path struct {
	s string
}

// New returns the Path for p.
func New(p string) Path {
	return Path{s: strings.TrimLeft(p, "/")}
}

// Empty reports whether no segments remain.
func (p Path) Empty() bool {
	return strings.Trim(p.s, "/") == ""
}

// Head returns the first segment.
func (p Path) Head() string {
	if i := strings.IndexByte(p.s, '/'); i >= 0 {
		return p.s[:i]
	}
	return p.s
}

// Body returns everything after the first segment.
func (p Path) Body() Path {
	if i := strings.IndexByte(p.s, '/'); i >= 0 {
		return New(p.s[i+1:])
	}
	return Path{}
}

// Tail returns the last segment.
func (p Path) Tail() string {
	s := strings.TrimRight(p.s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// AllButTail returns the path without its last segment.
func (p Path) AllButTail() Path {
	s := strings.TrimRight(p.s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return Path{s: strings.TrimRight(s[:i], "/")}
	}
	return Path{}
}

func (p Path) String() string {
	return p.s
}

// Join constructs a child path from parent + name.
func Join(parent, name string) string {
	parent = strings.TrimRight(parent, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
