// Package archive extracts a downloaded submission archive into its bot directory.
package archive

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	appErr "arenajudge/pkg/errors"
)

const dirMode = 0755

// Format is one supported archive file name and its extractor.
type Format struct {
	Name    string
	extract func(src, dst string) error
}

// Formats lists the archive names in the order they are tried.
var Formats = []Format{
	{Name: "entry.tar.gz", extract: extractTarGzip},
	{Name: "entry.tgz", extract: extractTarGzip},
	{Name: "entry.zip", extract: extractZip},
	{Name: "entry.tar.zst", extract: extractTarZstd},
}

// Find returns the first supported archive present in dir.
func Find(dir string) (Format, bool) {
	for _, f := range Formats {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err == nil && info.Mode().IsRegular() {
			return f, true
		}
	}
	return Format{}, false
}

// Unpack extracts the first supported archive in dir into dir/<botDir> and normalizes permissions.
// It returns the name of the archive that was used.
func Unpack(dir, botDir string) (string, error) {
	format, ok := Find(dir)
	if !ok {
		return "", appErr.Newf(appErr.UnpackError, "no supported archive in %s", dir)
	}
	dst := filepath.Join(dir, botDir)
	if err := os.MkdirAll(dst, dirMode); err != nil {
		return "", appErr.Wrapf(err, appErr.UnpackError, "create bot dir failed")
	}
	if err := format.extract(filepath.Join(dir, format.Name), dst); err != nil {
		// A half-extracted bot dir would make the stage look unpacked.
		_ = os.RemoveAll(dst)
		return "", appErr.Wrapf(err, appErr.UnpackError, "extract %s failed", format.Name)
	}
	if err := NormalizePermissions(dst); err != nil {
		return "", err
	}
	return format.Name, nil
}

// NormalizePermissions sets directories to 0755 and makes files group and world readable.
func NormalizePermissions(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, dirMode)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()|0044)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.UnpackError, "normalize permissions failed")
	}
	return nil
}

// safeTarget resolves name inside dstDir and rejects entries escaping it.
func safeTarget(dstDir, name string) (string, error) {
	cleanName := filepath.Clean(filepath.FromSlash(name))
	if cleanName == "." {
		return "", nil
	}
	if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
		return "", appErr.Newf(appErr.UnpackError, "invalid archive entry path %q", name)
	}
	target := filepath.Join(dstDir, cleanName)
	if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.UnpackError, "archive entry escape detected: %q", name)
	}
	return target, nil
}

func extractTarGzip(src, dst string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gz.Close()
	return extractTar(tar.NewReader(gz), dst)
}

func extractTarZstd(src, dst string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return err
	}
	defer zr.Close()
	return extractTar(tar.NewReader(zr), dst)
}

func extractTar(tr *tar.Reader, dstDir string) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Name == "" {
			continue
		}
		target, err := safeTarget(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// links and devices are skipped
		}
	}
}

func extractZip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeTarget(dst, f.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		mode := f.Mode()
		if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, dirMode); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, mode.Perm())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
