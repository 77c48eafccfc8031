package lookpath

import "os"

// Env supplies the variables LookPath consults, PATH and, on Windows, PATHEXT.
type Env interface {
	Getenv(name string) string
}

type defaultEnv struct {
}

func (*defaultEnv) Getenv(name string) string {
	return os.Getenv(name)
}

// MapEnv is an Env backed by a map, for tests and sandboxed lookups.
type MapEnv map[string]string

func (m MapEnv) Getenv(name string) string {
	return m[name]
}

// LookPath searches the process PATH for an executable named file.
func LookPath(file string) (string, error) {
	return LookPath2(file, &defaultEnv{})
}
