package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Diff describes one generated file that does not match its stored copy.
type Diff struct {
	Path    string
	Missing bool

	// Line is the 1-based number of the first differing line; Want is the
	// generated line and Got the stored one.
	Line int
	Want string
	Got  string
}

func (d Diff) String() string {
	if d.Missing {
		return fmt.Sprintf("%s: missing", d.Path)
	}
	return fmt.Sprintf("%s:%d: stale\n  generated: %q\n  on disk:   %q", d.Path, d.Line, d.Want, d.Got)
}

// CheckError lists every stale or missing file.
type CheckError struct {
	Diffs []Diff
}

func (e *CheckError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d generated file(s) out of date", len(e.Diffs))
	for _, d := range e.Diffs {
		b.WriteString("\n")
		b.WriteString(d.String())
	}
	return b.String()
}

// Check compares files, keyed by path, with the copies r holds. It returns
// a *CheckError naming every file that is missing or differs, or nil when
// everything is current.
func Check(ctx context.Context, r Reader, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var diffs []Diff
	for _, p := range paths {
		got, err := r.ReadFile(ctx, p)
		if errors.Is(err, fs.ErrNotExist) {
			diffs = append(diffs, Diff{Path: p, Missing: true})
			continue
		}
		if err != nil {
			return fmt.Errorf("check %s: %w", p, err)
		}
		want := files[p]
		if bytes.Equal(want, got) {
			continue
		}
		line, w, g := FirstDifference(want, got)
		diffs = append(diffs, Diff{Path: p, Line: line, Want: w, Got: g})
	}
	if len(diffs) > 0 {
		return &CheckError{Diffs: diffs}
	}
	return nil
}

// FirstDifference returns the first line at which a and b differ along
// with the line from each side. A side that has run out of lines reports
// an empty string.
func FirstDifference(a, b []byte) (line int, lineA, lineB string) {
	la := strings.Split(string(a), "\n")
	lb := strings.Split(string(b), "\n")
	for i := 0; i < len(la) || i < len(lb); i++ {
		var x, y string
		if i < len(la) {
			x = la[i]
		}
		if i < len(lb) {
			y = lb[i]
		}
		if x != y || i >= len(la) || i >= len(lb) {
			return i + 1, x, y
		}
	}
	return 0, "", ""
}
