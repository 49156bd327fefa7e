package vstbridge

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	hostExecutableName      = "vstbridge-host"
	groupHostExecutableName = "vstbridge-grouphost"

	// prefixMarker is the directory every compat-layer prefix contains;
	// walking up from the image until we see it locates the prefix.
	prefixMarker = "dosdevices"

	// PrefixEnv overrides compat prefix resolution entirely.
	PrefixEnv = "VSTBRIDGE_PREFIX"

	// RuntimeEnv overrides the compat runtime binary used for version
	// probing and for spawning the bridge host.
	RuntimeEnv = "VSTBRIDGE_RUNTIME"

	defaultRuntime = "wine"
)

// FindImage locates the plugin image belonging to a copy of or symlink to
// the proxy library: the same path with the image extension instead of the
// library's. If that file does not exist and the library is a symlink, the
// check is repeated against the symlink's target, so symlink farms of one
// proxy library keep working.
func FindImage(proxyPath, imageExt string) (string, error) {
	direct := replaceExt(proxyPath, imageExt)
	if _, err := os.Stat(direct); err == nil {
		return filepath.EvalSymlinks(direct)
	}

	resolved, err := filepath.EvalSymlinks(proxyPath)
	if err == nil && resolved != proxyPath {
		alternative := replaceExt(resolved, imageExt)
		if _, err := os.Stat(alternative); err == nil {
			return filepath.EvalSymlinks(alternative)
		}
	}

	return "", fmt.Errorf("%w: no %s image next to %q", ErrImageNotFound, imageExt, proxyPath)
}

// FindHostExecutable locates the bridge host binary for the given image
// architecture. Grouped sessions use the group host daemon instead of the
// individual host. The binary is searched for next to the running
// executable first (which makes symlinked development builds work without
// installing anything), then on PATH.
func FindHostExecutable(arch Architecture, grouped bool) (string, error) {
	name := hostExecutableName
	if grouped {
		name = groupHostExecutableName
	}
	if arch == Arch32 {
		name += "-32"
	}

	if self, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(self); err == nil {
			candidate := filepath.Join(filepath.Dir(resolved), name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrHostNotFound, name)
	}
	return path, nil
}

// ResolvePrefix locates the compat-layer prefix the image lives in, by
// walking up until a directory containing the prefix marker is found. The
// PrefixEnv environment variable wins outright, so images outside any
// prefix can still be run under the user's default one.
func ResolvePrefix(imagePath string) (string, bool) {
	if override := os.Getenv(PrefixEnv); override != "" {
		return override, true
	}

	dir := filepath.Dir(imagePath)
	for {
		if info, err := os.Stat(filepath.Join(dir, prefixMarker)); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// RuntimeVersion reports the installed compat runtime's version string,
// with the runtime's own name prefix stripped. It never fails: startup
// logging should still be useful when the runtime is missing.
func RuntimeVersion() string {
	runtime := os.Getenv(RuntimeEnv)
	if runtime == "" {
		runtime = defaultRuntime
	}

	path, err := exec.LookPath(runtime)
	if err != nil {
		return "<not found>"
	}

	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "<not found>"
	}

	// Custom runtime builds print extra lines; only the first matters.
	version := ""
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if scanner.Scan() {
		version = scanner.Text()
	}
	return strings.TrimPrefix(version, defaultRuntime+"-")
}

// findDominatingFile walks up from startDir until a file named filename
// exists, returning its path.
func findDominatingFile(filename, startDir string) (string, bool) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
