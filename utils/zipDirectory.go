package utils

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// ExcludedFiles are base-name patterns never packaged into a bundle.
var ExcludedFiles = []string{
	".git",
	".DS_Store",
	"__pycache__",
	"*.pyc",
}

// zipEpoch is stamped on every entry so identical trees produce identical archives.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

func excluded(name string) bool {
	for _, pattern := range ExcludedFiles {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// ZipDirectory writes every regular file under srcToZip into a zip archive on w.
// Entries are named relative to srcToZip with forward slashes and written in lexical
// order with a fixed modification time, so the output depends only on file names,
// contents and executable bits.
func ZipDirectory(srcToZip string, w io.Writer) error {
	myZip := zip.NewWriter(w)
	err := filepath.WalkDir(srcToZip, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if filePath != srcToZip && excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(srcToZip, filePath)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header := &zip.FileHeader{
			Name:     filepath.ToSlash(relPath),
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		mode := fs.FileMode(0644)
		if info.Mode()&0111 != 0 {
			mode = 0755
		}
		header.SetMode(mode)

		zipFile, err := myZip.CreateHeader(header)
		if err != nil {
			return err
		}
		fsFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer fsFile.Close()
		_, err = io.Copy(zipFile, fsFile)
		return err
	})
	if err != nil {
		return err
	}
	return myZip.Close()
}
