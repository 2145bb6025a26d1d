package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Cross-platform file permission constants
const (
	DefaultFilePermsWindows = 0666
	DefaultDirPermsWindows  = 0777
	DefaultFilePermsUnix    = 0644
	DefaultDirPermsUnix     = 0755
)

// Template tokens understood by ExpandTemplate
const (
	TokenTitle = "%(title)s"
	TokenID    = "%(id)s"
	TokenCid   = "%(cid)s"
	TokenExt   = "%(ext)s"
)

var filenameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	`\`, "_", "/", "_", "|", "_", "?", "_", "*", "_",
)

// GetFileMode returns appropriate file permissions for the current platform
func GetFileMode() os.FileMode {
	if runtime.GOOS == "windows" {
		return DefaultFilePermsWindows
	}
	return DefaultFilePermsUnix
}

// GetDirMode returns appropriate directory permissions for the current platform
func GetDirMode() os.FileMode {
	if runtime.GOOS == "windows" {
		return DefaultDirPermsWindows
	}
	return DefaultDirPermsUnix
}

// SanitizeFilename replaces characters that are invalid in file names and
// trims surrounding whitespace and dots.
func SanitizeFilename(s string) string {
	out := filenameReplacer.Replace(s)
	out = strings.TrimSpace(out)
	return strings.Trim(out, ".")
}

// ExpandTemplate renders an output template into a file stem (no extension).
// Without %(ext)s the whole result is sanitized; with it the trailing ".ext"
// is stripped and directory separators in the template are kept.
func ExpandTemplate(tpl, title, id string, cid uint64, ext string) string {
	out := strings.ReplaceAll(tpl, TokenTitle, SanitizeFilename(title))
	out = strings.ReplaceAll(out, TokenID, id)
	out = strings.ReplaceAll(out, TokenCid, strconv.FormatUint(cid, 10))
	out = strings.ReplaceAll(out, TokenExt, ext)

	if !strings.Contains(tpl, TokenExt) {
		return SanitizeFilename(out)
	}
	suffix := "." + ext
	for strings.HasSuffix(out, suffix) {
		out = strings.TrimSuffix(out, suffix)
	}
	return out
}

// PartPath names a single-track intermediate file, e.g. "stem-v-80.m4s"
func PartPath(stem, kind string, id int) string {
	return stem + "-" + kind + "-" + strconv.Itoa(id) + ".m4s"
}

// MakeDirs creates directories with cross-platform permissions
func MakeDirs(path string) error {
	return os.MkdirAll(path, GetDirMode())
}

// EnsureParentDir creates the parent directory of path. Failure is ignored;
// the subsequent open reports the real error.
func EnsureParentDir(path string) {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return
	}
	_ = MakeDirs(dir)
}

// OpenFile opens a file with cross-platform permissions
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	if perm == 0 {
		perm = GetFileMode()
	}
	return os.OpenFile(name, flag, perm)
}

// WriteFile opens a file for writing, truncating any previous content
func WriteFile(name string) (*os.File, error) {
	return OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0)
}

// AppendFile opens a file for appending
func AppendFile(name string) (*os.File, error) {
	return OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0)
}

// FileExists reports whether path exists and is a regular file
func FileExists(path string) (bool, error) {
	f, err := os.Stat(path)
	if err == nil {
		return !f.IsDir(), nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FileSize returns the size of path, 0 when it does not exist
func FileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return 0
	}
	return fi.Size()
}
