// Package fsutil holds small filesystem helpers shared by the direct
// receive path and the fallback download path.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadFileName rejects sender-supplied names that cannot be used
// safely inside the output directory.
var ErrBadFileName = errors.New("unusable file name")

// ResolveOutputPath sanitizes a peer-supplied file name and picks a
// non-clobbering path inside outputDir. An existing file pushes the new
// one to a numbered sibling, "report.pdf" -> "report (1).pdf".
func ResolveOutputPath(outputDir, name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}

	dir, err := filepath.Abs(outputDir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	path := filepath.Join(dir, base)
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the output directory", ErrBadFileName, name)
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
