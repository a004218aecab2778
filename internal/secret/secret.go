// Package secret loads credentials that are kept out of the config file,
// such as Docker or systemd secret files.
package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmpty is returned when a secret file exists but holds no data.
var ErrEmpty = errors.New("secret is empty")

// Error records which secret file failed to load.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("load secret %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Load reads the secret stored at path. A leading "~/" is expanded to
// the user's home directory. Trailing whitespace and newlines are
// stripped; leading whitespace is kept since PEM bodies never start
// with it and passwords may.
func Load(path string) (string, error) {
	if path == "" {
		return "", &Error{Path: path, Err: errors.New("no path configured")}
	}

	expanded, err := expandHome(path)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}

	value := strings.TrimRight(string(data), " \t\r\n")
	if value == "" {
		return "", &Error{Path: path, Err: ErrEmpty}
	}
	return value, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
