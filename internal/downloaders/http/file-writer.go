package segfetchhttp

import (
	"os"

	"github.com/04041b/segfetch/internal/utils"
)

// writeOutput fills a part file beside outputPath through fill, then renames it
// over outputPath. On any failure the part file is removed and outputPath is
// left as it was.
func writeOutput(outputPath string, fill func(f *os.File) error) (err error) {
	dir, pattern := utils.TempPattern(outputPath)
	tempFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return &IOError{Op: "create", Path: outputPath, Err: err}
	}
	tempPath := tempFile.Name()
	defer func() {
		if err != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if err = fill(tempFile); err != nil {
		return err
	}
	if err = tempFile.Sync(); err != nil {
		return &IOError{Op: "sync", Path: tempPath, Err: err}
	}
	if err = tempFile.Close(); err != nil {
		return &IOError{Op: "close", Path: tempPath, Err: err}
	}
	if err = os.Chmod(tempPath, 0644); err != nil {
		return &IOError{Op: "chmod", Path: tempPath, Err: err}
	}
	if err = os.Rename(tempPath, outputPath); err != nil {
		return &IOError{Op: "rename", Path: outputPath, Err: err}
	}
	return nil
}
