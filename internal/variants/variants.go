package variants

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Variant paths look like <stem>_<digits><ext> next to a canonical
// <stem><ext>. Anything else ("name (1).csv", "Copy of name.csv") is a
// user's file and must never be touched.

// listVariants returns the strictly-formed numbered variants of
// canonicalName present in dir, excluding the canonical file itself.
func listVariants(dir, canonicalName string) ([]string, error) {
	ext := filepath.Ext(canonicalName)
	stem := strings.TrimSuffix(canonicalName, ext)

	pattern, err := regexp.Compile(
		`(?i)^` + regexp.QuoteMeta(stem) + `_\d+` + regexp.QuoteMeta(ext) + `$`)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern.MatchString(entry.Name()) {
			matches = append(matches, filepath.Join(dir, entry.Name()))
		}
	}
	return matches, nil
}

// Reconcile collapses stray numbered variants of canonicalName in dir.
// If the canonical path is absent and variants exist, the newest variant
// (by mtime) is renamed into the canonical slot. Other variants are left
// alone: they may still hold data the operator wants.
//
// Returns the path that was promoted, or "" if nothing changed.
func Reconcile(dir, canonicalName string) (string, error) {
	canonical := filepath.Join(dir, canonicalName)
	if _, err := os.Stat(canonical); err == nil {
		return "", nil
	}

	matches, err := listVariants(dir, canonicalName)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}

	newest := ""
	var newestMTime int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().Unix() > newestMTime {
			newest = m
			newestMTime = info.ModTime().Unix()
		}
	}
	if newest == "" {
		return "", nil
	}

	if err := os.Rename(newest, canonical); err != nil {
		return "", fmt.Errorf("failed to promote variant %s: %w", newest, err)
	}
	return newest, nil
}

// Cleanup deletes numbered variants of canonicalName in dir, but only
// when the canonical file itself exists. The canonical file and files
// with unrelated naming are never deleted.
//
// Returns the paths removed.
func Cleanup(dir, canonicalName string) ([]string, error) {
	canonical := filepath.Join(dir, canonicalName)
	if _, err := os.Stat(canonical); err != nil {
		return nil, nil
	}

	matches, err := listVariants(dir, canonicalName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return removed, fmt.Errorf("failed to remove variant %s: %w", m, err)
		}
		removed = append(removed, m)
	}
	return removed, nil
}
