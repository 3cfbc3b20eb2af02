package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned for a malformed exception range.
var ErrInvalidRange = errors.New("invalid exception range")

// ExceptionRange 异常码区间 [Start, End], both ends included.
type ExceptionRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether code is in r.
func (r ExceptionRange) Contains(code uint32) bool {
	return code >= r.Start && code <= r.End
}

func (r ExceptionRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("0x%08X", r.Start)
	}
	return fmt.Sprintf("0x%08X-0x%08X", r.Start, r.End)
}

// ParseRange parses "start-end" or a single code, both in hex with an
// optional 0x prefix.
func ParseRange(s string) (ExceptionRange, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "-", 2)
	start, err := parseCode(parts[0])
	if err != nil {
		return ExceptionRange{}, fmt.Errorf("%w %q: %v", ErrInvalidRange, s, err)
	}
	end := start
	if len(parts) == 2 {
		if end, err = parseCode(parts[1]); err != nil {
			return ExceptionRange{}, fmt.Errorf("%w %q: %v", ErrInvalidRange, s, err)
		}
	}
	if end < start {
		return ExceptionRange{}, fmt.Errorf("%w %q: end before start", ErrInvalidRange, s)
	}
	return ExceptionRange{Start: start, End: end}, nil
}

func parseCode(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

// ParseRanges parses every entry of list and returns the ranges sorted by
// start.
func ParseRanges(list []string) ([]ExceptionRange, error) {
	out := make([]ExceptionRange, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}
