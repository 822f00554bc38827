//go:build darwin || linux

// Shared helpers for the purego-loaded native libraries.

package produce

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := *(*unsafe.Pointer)(unsafe.Pointer(&ptr))
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 1024 {
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// nativeLibPaths lists candidate locations for lib<base>.so / .dylib.
// envVar names a full-path override; PRODUCE_LIB_PATH names a directory
// searched for every library.
func nativeLibPaths(base, envVar string) []string {
	libName := "lib" + base + ".so"
	if runtime.GOOS == "darwin" {
		libName = "lib" + base + ".dylib"
	}

	var paths []string
	if envPath := os.Getenv(envVar); envPath != "" {
		paths = append(paths, envPath)
	}
	if dir := os.Getenv("PRODUCE_LIB_PATH"); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	for _, root := range []string{findSourceRoot(), findModuleRoot()} {
		if root != "" {
			paths = append(paths,
				filepath.Join(root, "build", libName),
				filepath.Join(root, "build", "ffi", libName),
			)
		}
	}

	for _, devPath := range []string{"build", "build/ffi", "../../build", "../../build/ffi"} {
		paths = append(paths, filepath.Join(devPath, libName))
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
		)
	}
	return paths
}

// dlopenFirst opens the first loadable path and resolves its symbols with bind.
func dlopenFirst(name string, paths []string, bind func(handle uintptr) error) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := bind(handle); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return handle, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load %s: %w", name, lastErr)
	}
	return 0, errors.New(name + " not found in any standard location")
}

// registerSymbols binds each named symbol, turning purego's panic on a
// missing symbol into an error.
func registerSymbols(handle uintptr, symbols map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolve symbols: %v", r)
		}
	}()
	for name, fptr := range symbols {
		purego.RegisterLibFunc(fptr, handle, name)
	}
	return nil
}

// findSourceRoot returns the directory holding this source file.
func findSourceRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Dir(file)
}

// findModuleRoot walks up from the working directory to the nearest go.mod.
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
