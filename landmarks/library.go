package landmarks

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "ONNXRUNTIME_LIB"

// LibraryName returns the ONNX Runtime shared library file name for goos.
func LibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// ResolveLibrary finds the shared library: $ONNXRUNTIME_LIB, then dir, then dir/lib.
func ResolveLibrary(dir string) (string, error) {
	if p := os.Getenv(LibraryEnv); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%s: %w", LibraryEnv, p, err)
		}
		return p, nil
	}

	name := LibraryName(runtime.GOOS)
	candidates := []string{
		filepath.Join(dir, name),
		filepath.Join(dir, "lib", name),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Abs(c)
		}
	}
	return "", fmt.Errorf("onnxruntime library %s not found in %s", name, dir)
}

var envMu sync.Mutex

// InitRuntime loads the shared library and initializes the ONNX Runtime environment
// once per process.
func InitRuntime(dir string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}

	libPath, err := ResolveLibrary(dir)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// DestroyRuntime tears down the environment at process exit.
func DestroyRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
