package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	genMarker  = ".gen-"
	linkMarker = ".link-"
)

// StageDir creates an unpublished generation directory for the published path target.
// The caller fills it and hands it to PublishDir, or removes it with Discard.
func StageDir(target string) (string, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, "."+filepath.Base(target)+genMarker+"*")
}

// Discard removes a staging directory that will not be published.
func Discard(staged string) {
	if staged != "" {
		_ = os.RemoveAll(staged)
	}
}

// Publication is the outcome of PublishDir. Revert restores the previous generation,
// Commit prunes generations older than the previous one.
type Publication struct {
	Target   string
	Current  string
	Previous string
}

// PublishDir atomically points target at the staged generation directory.
func PublishDir(staged, target string) (*Publication, error) {
	parent := filepath.Dir(target)
	base := filepath.Base(target)
	if filepath.Dir(staged) != parent || !strings.HasPrefix(filepath.Base(staged), "."+base+genMarker) {
		return nil, fmt.Errorf("staged dir %s does not belong to %s", staged, target)
	}
	if err := SyncDir(staged); err != nil {
		return nil, fmt.Errorf("sync staged dir: %w", err)
	}

	previous, err := currentGeneration(target)
	if err != nil {
		return nil, err
	}
	if err := swapLink(parent, base, filepath.Base(staged)); err != nil {
		return nil, err
	}
	return &Publication{Target: target, Current: staged, Previous: previous}, nil
}

// Revert points target back at the previous generation (or removes it when there was
// none) and deletes the generation that was just published.
func (p *Publication) Revert() error {
	if p == nil {
		return nil
	}
	parent := filepath.Dir(p.Target)
	base := filepath.Base(p.Target)
	var err error
	if p.Previous == "" {
		err = os.Remove(p.Target)
		if err == nil {
			err = SyncDir(parent)
		}
	} else {
		err = swapLink(parent, base, filepath.Base(p.Previous))
	}
	if err != nil {
		return fmt.Errorf("revert %s: %w", p.Target, err)
	}
	_ = os.RemoveAll(p.Current)
	return nil
}

// Commit keeps the current and previous generations and removes anything older.
func (p *Publication) Commit() error {
	if p == nil {
		return nil
	}
	parent := filepath.Dir(p.Target)
	prefix := "." + filepath.Base(p.Target) + genMarker
	entries, err := os.ReadDir(parent)
	if err != nil {
		return err
	}
	keep := map[string]struct{}{filepath.Base(p.Current): {}}
	if p.Previous != "" {
		keep[filepath.Base(p.Previous)] = struct{}{}
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(parent, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveDir returns the generation directory currently published at target.
// Readers should read every file of one logical record through the resolved path.
func ResolveDir(target string) (string, error) {
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", target)
	}
	return resolved, nil
}

// ListPublished returns the sorted names of published entries in dir, skipping
// generation and temporary entries.
func ListPublished(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func currentGeneration(target string) (string, error) {
	info, err := os.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(target)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(target), dest)
		}
		return dest, nil
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s exists and is not a directory", target)
	}
	// A plain directory left by an older layout becomes the previous generation.
	legacy, err := os.MkdirTemp(filepath.Dir(target), "."+filepath.Base(target)+genMarker+"legacy-*")
	if err != nil {
		return "", err
	}
	if err := os.Remove(legacy); err != nil {
		return "", err
	}
	if err := os.Rename(target, legacy); err != nil {
		return "", err
	}
	return legacy, nil
}

func swapLink(parent, base, genName string) error {
	tmpLink, err := os.MkdirTemp(parent, "."+base+linkMarker+"*")
	if err != nil {
		return err
	}
	if err := os.Remove(tmpLink); err != nil {
		return err
	}
	if err := os.Symlink(genName, tmpLink); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}
	if err := os.Rename(tmpLink, filepath.Join(parent, base)); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("publish: %w", err)
	}
	return SyncDir(parent)
}
