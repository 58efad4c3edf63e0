package remote

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// mergeInto moves src over dst. Directories are merged file by file so
// entries only present in dst survive.
func mergeInto(src, dst string) error {
	return placeTree(src, dst, replaceFile)
}

// copyTree copies src to dst, leaving src in place.
func copyTree(src, dst string) error {
	return placeTree(src, dst, copyFile)
}

func placeTree(src, dst string, place func(src, dst string, mode fs.FileMode) error) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return place(src, dst, info.Mode().Perm())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return place(p, target, fi.Mode().Perm())
	})
}

// replaceFile renames src onto dst, copying when they sit on different
// filesystems.
func replaceFile(src, dst string, mode fs.FileMode) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, mode)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}
