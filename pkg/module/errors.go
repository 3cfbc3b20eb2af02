package module

import "errors"

var (
	ErrEmptyModule = errors.New("module has zero size")
	ErrOverlap     = errors.New("module overlaps a loaded module")
)
