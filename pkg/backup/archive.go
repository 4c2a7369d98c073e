package backup

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

// copyFile and the tar helpers below use only archive/tar, compress/gzip,
// and io/os: no example repo in the corpus wraps filesystem archiving as a
// reusable library, so stdlib is the grounded choice here — see DESIGN.md.

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return aerrors.Wrap(err, "open source file")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return aerrors.Wrap(err, "create destination file")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return aerrors.Wrap(err, "copy file contents")
	}
	return nil
}

func tarDirectory(source, backupPath string, compress bool) error {
	f, err := os.Create(backupPath)
	if err != nil {
		return aerrors.Wrap(err, "create archive file")
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	base := filepath.Base(source)
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		arcname := base
		if rel != "." {
			arcname = filepath.Join(base, rel)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = arcname

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
}

func untarDirectory(backupPath, destDir string) error {
	f, err := os.Open(backupPath)
	if err != nil {
		return aerrors.Wrap(err, "open archive file")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(backupPath, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return aerrors.Wrap(err, "open gzip reader")
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return aerrors.Wrap(err, "read tar entry")
		}

		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
