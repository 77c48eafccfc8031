package lookpath

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// LookPath2 searches the PATH provided by env for an executable named file.
// A file containing a path separator is checked directly.
func LookPath2(file string, env Env) (string, error) {
	if strings.ContainsRune(file, filepath.Separator) || strings.Contains(file, "/") {
		if err := findExecutable(file); err != nil {
			return "", &Error{file, err}
		}
		return file, nil
	}
	for _, dir := range filepath.SplitList(env.Getenv("PATH")) {
		if dir == "" {
			dir = "."
		}
		for _, name := range candidates(file, env) {
			path := filepath.Join(dir, name)
			if err := findExecutable(path); err == nil {
				return path, nil
			}
		}
	}
	return "", &Error{file, ErrNotFound}
}

func candidates(file string, env Env) []string {
	if runtime.GOOS != "windows" || filepath.Ext(file) != "" {
		return []string{file}
	}
	exts := env.Getenv("PATHEXT")
	if exts == "" {
		exts = ".com;.exe;.bat;.cmd"
	}
	var names []string
	for _, ext := range strings.Split(strings.ToLower(exts), ";") {
		if ext != "" {
			names = append(names, file+ext)
		}
	}
	return names
}

func findExecutable(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	m := d.Mode()
	if m.IsDir() {
		return fs.ErrPermission
	}
	if runtime.GOOS == "windows" || m&0o111 != 0 {
		return nil
	}
	return fs.ErrPermission
}
