package fingerprint

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
)

// DefaultAlgorithm is the digest used when none is configured. It matches
// the digest of records written by earlier versions of the hook.
const DefaultAlgorithm = digest.SHA256

// Fingerprint is the lowercase hex digest of a directory tree
type Fingerprint string

// Result is the outcome of fingerprinting a directory
type Result struct {
	Fingerprint Fingerprint
	Files       int
	Bytes       int64
}

// File is a regular file visited by Walk
type File struct {
	// Path is the slash-separated path folded into the digest, prefixed by
	// the watched directory exactly as it was given.
	Path string

	// FSPath is the path of the file inside the walked filesystem.
	FSPath string
}

// ParseAlgorithm returns the digest algorithm with the given name
func ParseAlgorithm(name string) (digest.Algorithm, error) {
	alg := digest.Algorithm(name)
	if !alg.Available() {
		return "", fmt.Errorf("unsupported fingerprint algorithm: %q (must be sha256, sha384 or sha512)", name)
	}
	return alg, nil
}

// Compute folds the path and content of every regular file below dir into
// a single digest. The caller must make sure dir exists.
func Compute(ctx context.Context, fsys billy.Filesystem, dir string, alg digest.Algorithm) (Result, error) {
	if !alg.Available() {
		return Result{}, fmt.Errorf("unsupported fingerprint algorithm: %q", alg)
	}

	digester := alg.Digester()
	h := digester.Hash()

	var res Result
	err := Walk(ctx, fsys, dir, func(f File) error {
		if _, err := io.WriteString(h, f.Path); err != nil {
			return err
		}

		n, err := copyFile(fsys, f.FSPath, h)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", f.FSPath, err)
		}

		res.Files++
		res.Bytes += n
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.Fingerprint = Fingerprint(digester.Digest().Encoded())
	return res, nil
}

// Walk visits every regular file below dir in fingerprint order: at each
// level the files sorted by name, then the subdirectories sorted by name.
// Symlinks to regular files are visited, symlinks to directories are not
// descended.
func Walk(ctx context.Context, fsys billy.Filesystem, dir string, fn func(File) error) error {
	prefix := strings.TrimSuffix(filepath.ToSlash(dir), "/")
	return walkDir(ctx, fsys, dir, prefix, fn)
}

func walkDir(ctx context.Context, fsys billy.Filesystem, fsPath, foldPath string, fn func(File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := fsys.ReadDir(fsPath)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", fsPath, err)
	}

	var files, dirs []string
	for _, entry := range entries {
		switch {
		case entry.Mode().IsRegular():
			files = append(files, entry.Name())
		case entry.IsDir():
			dirs = append(dirs, entry.Name())
		case entry.Mode()&os.ModeSymlink != 0:
			// Stat follows the link; dangling links are skipped
			target, err := fsys.Stat(fsys.Join(fsPath, entry.Name()))
			if err == nil && target.Mode().IsRegular() {
				files = append(files, entry.Name())
			}
		}
	}

	sort.Strings(files)
	sort.Strings(dirs)

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := File{
			Path:   foldPath + "/" + name,
			FSPath: fsys.Join(fsPath, name),
		}
		if err := fn(f); err != nil {
			return err
		}
	}

	for _, name := range dirs {
		if err := walkDir(ctx, fsys, fsys.Join(fsPath, name), foldPath+"/"+name, fn); err != nil {
			return err
		}
	}

	return nil
}

// copyFile streams the content of path into w
func copyFile(fsys billy.Filesystem, path string, w io.Writer) (int64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	return io.Copy(w, f)
}
