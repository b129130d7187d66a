package build

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"
)

var (
	// TestingDir is the directory that contains all of the files and
	// folders created during testing.
	TestingDir = filepath.Join(os.TempDir(), "UrBackupTesting")
)

// TempDir joins the provided directories and prefixes them with the testing
// directory.
func TempDir(dirs ...string) string {
	path := filepath.Join(TestingDir, filepath.Join(dirs...))
	// remove old test data
	_ = os.RemoveAll(path) // ignore error instead of panicking in production
	return path
}

// CopyFile copies a file from a source to a destination.
func CopyFile(source, dest string) (err error) {
	sf, err := os.Open(source)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Compose(err, sf.Close())
	}()

	df, err := os.Create(dest)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Compose(err, df.Close())
	}()

	_, err = io.Copy(df, sf)
	return
}

// CopyDir copies a directory and all of its contents to the destination
// directory.
func CopyDir(source, dest string) error {
	stat, err := os.Stat(source)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.New("source is not a directory")
	}

	err = os.MkdirAll(dest, stat.Mode())
	if err != nil {
		return err
	}
	files, err := ioutil.ReadDir(source)
	if err != nil {
		return err
	}
	for _, file := range files {
		newSource := filepath.Join(source, file.Name())
		newDest := filepath.Join(dest, file.Name())
		if file.IsDir() {
			err = CopyDir(newSource, newDest)
			if err != nil {
				return err
			}
		} else {
			err = CopyFile(newSource, newDest)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Retry will call 'fn' 'tries' times, waiting 'durationBetweenAttempts'
// between each attempt, returning 'nil' the first time that 'fn' returns nil.
// If 'nil' is never returned, then the final error returned by 'fn' is
// returned.
func Retry(tries int, durationBetweenAttempts time.Duration, fn func() error) (err error) {
	for i := 1; i < tries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		time.Sleep(durationBetweenAttempts)
	}
	return fn()
}
