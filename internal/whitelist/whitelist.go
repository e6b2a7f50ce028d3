// Package whitelist restricts which remote paths accept writes. Without
// a whitelist every storage entry is writable; with one, only entries
// whose provider-relative path matches a pattern are.
package whitelist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// List holds compiled patterns from a whitelist file. The zero value is
// never used; a nil *List means no whitelist is configured and Allows
// reports true for every path.
type List struct {
	patterns []*regexp.Regexp
}

// Load reads a whitelist file: one pattern per line, # comments and
// blank lines skipped.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Parse compiles patterns from line-oriented input. Each pattern is
// anchored at the start of the path; a pattern must bring its own $ to
// anchor the end.
func Parse(r io.Reader) (*List, error) {
	l := &List{}
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile("^(?:" + line + ")")
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		l.patterns = append(l.patterns, re)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Allows reports whether a path accepts writes. Paths are matched as
// the filesystem presents them below a project directory, e.g.
// "/osfstorage/data/run1.csv".
func (l *List) Allows(path string) bool {
	if l == nil {
		return true
	}
	for _, re := range l.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}
