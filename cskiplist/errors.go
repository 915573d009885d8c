package cskiplist

import "errors"

var (
	// ErrInvalidMaxLevel is returned by WithMaxLevel/New for a non-positive
	// level bound.
	ErrInvalidMaxLevel = errors.New("cskiplist: max level must be positive")
)
