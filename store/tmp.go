package store

import (
	"os"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
)

// CreateTemp creates a temporary file, e.g. for attachment data about to be
// stored. The file is created in subdirectory tmp of the data directory, so the
// file is on the same file system as the accounts directory, so renaming files
// can succeed. The caller is responsible for closing and possibly removing the
// file.
func CreateTemp(pattern string) (*os.File, error) {
	dir := selfmail.DataDirPath("tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	err = f.Chmod(0660)
	if err != nil {
		xerr := f.Close()
		xlog.Check(xerr, "closing temp file after chmod error")
		return nil, err
	}
	return f, err
}

// CloseRemoveTempFile closes and removes f, a file described by descr. Often
// used in a defer after creating a temporary file.
func CloseRemoveTempFile(log *mlog.Log, f *os.File, descr string) {
	name := f.Name()
	err := f.Close()
	log.Check(err, "closing temporary file", mlog.Field("kind", descr))
	err = os.Remove(name)
	if err != nil && !os.IsNotExist(err) {
		log.Check(err, "removing temporary file", mlog.Field("kind", descr))
	}
}
