package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cubered/internal/errors"
)

// Artifact suffixes appended to the input stem by each stage.
const (
	SuffixCalib     = "_calib"
	SuffixFLC1      = "_FLC1"
	SuffixFLC2      = "_FLC2"
	SuffixMetric    = "_metric"
	SuffixStats     = "_stats"
	SuffixCut       = "_cut"
	SuffixOffsets   = "_offsets"
	SuffixAligned   = "_aligned"
	SuffixCollapsed = "_collapsed"
	SuffixDerot     = "_derot"
)

var cubeExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// ListCubes expands glob patterns relative to dir and returns the matching
// FITS files, sorted and deduplicated. A pattern that matches nothing is an
// input error.
func ListCubes(dir string, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Configf("bad filename pattern %q: %v", pattern, err)
		}
		n := 0
		for _, m := range matches {
			if !IsCubeFile(m) {
				continue
			}
			if info, err := os.Stat(m); err != nil || info.IsDir() {
				continue
			}
			n++
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
		if n == 0 {
			return nil, errors.Inputf("list", "pattern %q matched no FITS files", pattern)
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsCubeFile checks if a file has a FITS extension.
func IsCubeFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := cubeExts[ext]
	return ok
}

var artifactSuffixes = []string{
	SuffixCalib, SuffixFLC1, SuffixFLC2, SuffixCut, SuffixAligned, SuffixCollapsed, SuffixDerot,
}

// IsArtifact reports whether path names a cube written by the pipeline itself.
func IsArtifact(path string) bool {
	stem := Stem(path)
	for _, s := range artifactSuffixes {
		if strings.HasSuffix(stem, s) {
			return true
		}
	}
	return strings.Contains(stem, "_master_") || strings.Contains(stem, "_adi_cube_")
}

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Output names the artifact a stage derives from input: dir/<stem><suffix><ext>.
func Output(dir, input, suffix, ext string) string {
	return filepath.Join(dir, Stem(input)+suffix+ext)
}

// FITS names a cube or frame artifact.
func FITS(dir, input, suffix string) string { return Output(dir, input, suffix, ".fits") }

// CSV names a table artifact.
func CSV(dir, input, suffix string) string { return Output(dir, input, suffix, ".csv") }

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// NewerThan reports whether every output exists and is at least as new as
// every input.
func NewerThan(outputs []string, inputs ...string) bool {
	var newestIn int64
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return false
		}
		if t := info.ModTime().UnixNano(); t > newestIn {
			newestIn = t
		}
	}
	for _, out := range outputs {
		info, err := os.Stat(out)
		if err != nil {
			return false
		}
		if info.ModTime().UnixNano() < newestIn {
			return false
		}
	}
	return true
}
