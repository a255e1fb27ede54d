package tailer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// family lists the rotation indices present for base (base.0, base.1, ...)
// in ascending order, and whether a plain file exists at base itself.
func family(base string) (indices []int, plain bool, err error) {
	dir := filepath.Dir(base)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: log directory %s is gone", core.ErrPermanentSource, dir)
		}
		return nil, false, fmt.Errorf("%w: %w", core.ErrTransientIO, err)
	}

	matches, err := filepath.Glob(base + ".[0-9]*")
	if err != nil {
		return nil, false, fmt.Errorf("%w: glob %s: %w", core.ErrPermanentSource, base, err)
	}
	prefix := base + "."
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, prefix))
		if err != nil || n < 0 {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	if fi, err := os.Stat(base); err == nil && fi.Mode().IsRegular() {
		plain = true
	}
	return indices, plain, nil
}

func indexPath(base string, idx int) string {
	return base + "." + strconv.Itoa(idx)
}

// pick selects the file to resume from given the wanted index. The second
// return is false when the wanted file is gone and reading restarts elsewhere.
func pick(indices []int, want int) (int, bool) {
	for _, idx := range indices {
		if idx == want {
			return idx, true
		}
		if idx > want {
			return idx, false
		}
	}
	return indices[len(indices)-1], false
}

// nextIndex returns the smallest index greater than cur.
func nextIndex(indices []int, cur int) (int, bool) {
	for _, idx := range indices {
		if idx > cur {
			return idx, true
		}
	}
	return 0, false
}
