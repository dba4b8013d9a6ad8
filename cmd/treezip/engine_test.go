package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// A helper runner for tests to simulate the compression engine. Compressing
// writes ceil(size/volume) volumes of the item into the filesystem.
type fakeRunner struct {
	fs afero.Fs

	missing         bool   // LookPath fails
	probeExit       int    // Exit code when called without arguments
	failCompressFor string // Compression of items containing this fails
	failTestFor     string // Tests of archives containing this fail
	noOutput        bool   // Compression succeeds without writing anything
	numbered        bool   // Volumes are always numbered, also when there is only one
	blockCompress   bool   // Compression writes a partial volume and then hangs until killed
	beforeCompress  func() // Called before every compression
	afterCompress   func() // Called after every compression

	mu    sync.Mutex
	calls [][]string
}

func newFakeRunner(fs afero.Fs) *fakeRunner {
	return &fakeRunner{fs: fs}
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}

	return "/usr/bin/" + filepath.Base(name), nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if len(args) == 0 {
		return CommandResult{ExitCode: f.probeExit}, nil
	}

	switch args[0] {
	case "a":
		if f.beforeCompress != nil {
			f.beforeCompress()
		}

		if f.blockCompress {
			_ = afero.WriteFile(f.fs, args[len(args)-2]+".001", []byte("partial"), 0o644)
			<-ctx.Done()

			return CommandResult{}, fmt.Errorf("%s did not finish: %w", name, ctx.Err())
		}

		res, err := f.compress(args)
		if f.afterCompress != nil {
			f.afterCompress()
		}

		return res, err

	case "t":
		if f.failTestFor != "" && strings.Contains(args[len(args)-1], f.failTestFor) {
			return CommandResult{ExitCode: 2, Stderr: "ERROR: CRC Failed"}, nil
		}

		return CommandResult{Stdout: "Everything is Ok"}, nil
	}

	return CommandResult{ExitCode: 7, Stderr: "unknown command"}, nil
}

func (f *fakeRunner) compress(args []string) (CommandResult, error) {
	archive, item := args[len(args)-2], args[len(args)-1]

	if f.failCompressFor != "" && strings.Contains(item, f.failCompressFor) {
		return CommandResult{ExitCode: 2, Stderr: "ERROR: simulated engine failure"}, nil
	}

	if f.noOutput {
		return CommandResult{}, nil
	}

	var volumeSize int64
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "-v"); ok {
			volumeSize, _ = strconv.ParseInt(strings.TrimSuffix(v, "b"), 10, 64)
		}
	}

	var size int64
	_ = afero.Walk(f.fs, item, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}

		return nil
	})

	count := 1
	if volumeSize > 0 && size > volumeSize {
		count = int((size + volumeSize - 1) / volumeSize)
	}

	if count == 1 && !f.numbered {
		_ = afero.WriteFile(f.fs, archive, []byte("zip:"+item), 0o644)

		return CommandResult{}, nil
	}

	for i := 1; i <= count; i++ {
		_ = afero.WriteFile(f.fs, fmt.Sprintf("%s.%03d", archive, i), []byte(fmt.Sprintf("zip:%s:%d", item, i)), 0o644)
	}

	return CommandResult{}, nil
}

func (f *fakeRunner) commands(verb string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out [][]string
	for _, c := range f.calls {
		if len(c) > 1 && c[1] == verb {
			out = append(out, c)
		}
	}

	return out
}

// Expectation: The compression arguments should match the 7-Zip command line.
func Test_Engine_compressArgs_Success(t *testing.T) {
	args := compressArgs("/src/a.txt", "/out/a.zip", 104857600, 5)

	require.Equal(t, []string{"a", "-tzip", "-v104857600b", "-y", "-mx=5", "-r", "-aoa", "/out/a.zip", "/src/a.txt"}, args)
	require.Equal(t, []string{"t", "-y", "/out/a.zip.001"}, testArgs("/out/a.zip.001"))
}

// Expectation: Only levels between 0 and 9 should be accepted.
func Test_ValidateLevel_Table(t *testing.T) {
	for _, level := range []int{0, 1, 5, 9} {
		require.NoError(t, ValidateLevel(level))
	}

	for _, level := range []int{-1, 10, 99} {
		require.ErrorIs(t, ValidateLevel(level), ErrInvalidCompressionLevel)
	}
}

// Expectation: The probe should accept exit codes 0 and 7 and resolve the engine path.
func Test_Engine_Probe_Success(t *testing.T) {
	for _, code := range []int{0, 7} {
		runner := newFakeRunner(afero.NewMemMapFs())
		runner.probeExit = code

		eng := NewEngine(runner.fs, runner, "7z", 0)
		require.NoError(t, eng.Probe(t.Context()))
		require.Equal(t, "/usr/bin/7z", eng.Path())
	}
}

// Expectation: A missing or broken engine should be reported as not found.
func Test_Engine_Probe_Error(t *testing.T) {
	runner := newFakeRunner(afero.NewMemMapFs())
	runner.missing = true

	eng := NewEngine(runner.fs, runner, "7z", 0)
	require.ErrorIs(t, eng.Probe(t.Context()), ErrEngineNotFound)
	require.Empty(t, runner.calls)

	runner = newFakeRunner(afero.NewMemMapFs())
	runner.probeExit = 1

	eng = NewEngine(runner.fs, runner, "7z", 0)
	require.ErrorIs(t, eng.Probe(t.Context()), ErrEngineNotFound)
}

// Expectation: An archive fitting into one volume should be returned as the single archive.
func Test_Engine_Compress_SingleVolume_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", make([]byte, 100), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	eng := NewEngine(fs, runner, "7z", 0)

	volumes, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"/out/a.zip"}, volumes)
}

// Expectation: An archive larger than the volume size should be returned as ordered numbered volumes.
func Test_Engine_Compress_MultiVolume_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", make([]byte, 2500), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	eng := NewEngine(fs, runner, "7z", 0)

	volumes, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"/out/a.zip.001", "/out/a.zip.002", "/out/a.zip.003"}, volumes)
}

// Expectation: Volumes of an earlier run should not survive a new compression.
func Test_Engine_Compress_StaleVolumes_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", make([]byte, 100), 0o644))

	for i := 1; i <= 4; i++ {
		require.NoError(t, afero.WriteFile(fs, fmt.Sprintf("/out/a.zip.%03d", i), []byte("old"), 0o644))
	}

	runner := newFakeRunner(fs)
	eng := NewEngine(fs, runner, "7z", 0)

	volumes, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"/out/a.zip"}, volumes)

	exists, err := afero.Exists(fs, "/out/a.zip.001")
	require.NoError(t, err)
	require.False(t, exists)
}

// Expectation: A lone numbered volume should be renamed to the plain archive name.
func Test_Engine_Compress_NumberedSingleVolume_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", make([]byte, 100), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	runner.numbered = true
	eng := NewEngine(fs, runner, "7z", 0)

	volumes, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"/out/a.zip"}, volumes)

	data, err := afero.ReadFile(fs, "/out/a.zip")
	require.NoError(t, err)
	require.Equal(t, "zip:/src/a.txt:1", string(data))

	exists, err := afero.Exists(fs, "/out/a.zip.001")
	require.NoError(t, err)
	require.False(t, exists)
}

// Expectation: Several numbered volumes should be kept with their numbers.
func Test_Engine_Compress_NumberedMultiVolume_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", make([]byte, 1500), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	runner.numbered = true
	eng := NewEngine(fs, runner, "7z", 0)

	volumes, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"/out/a.zip.001", "/out/a.zip.002"}, volumes)
}

// A helper filesystem for tests to simulate stat failure of one path.
type failingStatFs struct {
	afero.Fs
	name string
}

// A helper function for tests to simulate stat failure.
func (f failingStatFs) Stat(name string) (fs.FileInfo, error) {
	if name == f.name {
		return nil, errors.New("simulated stat failure")
	}

	return f.Fs.Stat(name) //nolint:wrapcheck
}

// Expectation: A failing check for an earlier archive should abort before the engine is invoked.
func Test_Engine_Compress_StaleCheck_Error(t *testing.T) {
	mfs := afero.NewMemMapFs()
	require.NoError(t, mfs.MkdirAll("/out", 0o755))

	sfs := failingStatFs{Fs: mfs, name: "/out/a.zip"}
	runner := newFakeRunner(sfs)
	eng := NewEngine(sfs, runner, "7z", 0)

	_, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.ErrorContains(t, err, "simulated stat failure")
	require.Empty(t, runner.commands("a"))
}

// Expectation: A killed engine run should fail and leave no partial volumes behind.
func Test_Engine_Compress_Killed_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	ctx, cancel := context.WithCancel(t.Context())

	runner := newFakeRunner(fs)
	runner.blockCompress = true
	runner.beforeCompress = cancel
	eng := NewEngine(fs, runner, "7z", 0)

	_, err := eng.Compress(ctx, "/src/a.txt", "/out/a.zip", 1024, 1)
	require.ErrorIs(t, err, ErrEngineInvocation)
	require.ErrorIs(t, err, context.Canceled)

	volumes, err := eng.Volumes("/out/a.zip")
	require.NoError(t, err)
	require.Empty(t, volumes)
}

// Expectation: A non-zero engine exit should be an invocation failure carrying the engine output.
func Test_Engine_Compress_ExitCode_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	runner.failCompressFor = "a.txt"
	eng := NewEngine(fs, runner, "7z", 0)

	_, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.ErrorIs(t, err, ErrEngineInvocation)
	require.ErrorContains(t, err, "simulated engine failure")
}

// Expectation: A successful engine exit without any archive should still be a failure.
func Test_Engine_Compress_NoOutput_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0o644))
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	runner := newFakeRunner(fs)
	runner.noOutput = true
	eng := NewEngine(fs, runner, "7z", 0)

	_, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 1)
	require.ErrorIs(t, err, ErrEngineInvocation)
}

// Expectation: An invalid level should fail before the engine is invoked.
func Test_Engine_Compress_InvalidLevel_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := newFakeRunner(fs)
	eng := NewEngine(fs, runner, "7z", 0)

	_, err := eng.Compress(t.Context(), "/src/a.txt", "/out/a.zip", 1024, 10)
	require.ErrorIs(t, err, ErrInvalidCompressionLevel)
	require.Empty(t, runner.calls)
}

// Expectation: A failing integrity test should be a verification failure.
func Test_Engine_Test_Error(t *testing.T) {
	runner := newFakeRunner(afero.NewMemMapFs())
	runner.failTestFor = "bad"
	eng := NewEngine(runner.fs, runner, "7z", 0)

	require.NoError(t, eng.Test(t.Context(), "/out/good.zip"))

	err := eng.Test(t.Context(), "/out/bad.zip.001")
	require.ErrorIs(t, err, ErrVerification)
	require.ErrorContains(t, err, "CRC Failed")
}

// Expectation: Volumes should be sorted numerically and unrelated files ignored.
func Test_Engine_Volumes_Success(t *testing.T) {
	fs := afero.NewMemMapFs()

	for _, name := range []string{"a.zip.010", "a.zip.002", "a.zip.001", "a.zip.ab", "a.zip.01", "b.zip.001", "a.zip.003", "a.zip.004", "a.zip.005", "a.zip.006", "a.zip.007", "a.zip.008", "a.zip.009"} {
		require.NoError(t, afero.WriteFile(fs, "/out/"+name, []byte("x"), 0o644))
	}

	eng := NewEngine(fs, nil, "7z", 0)

	volumes, err := eng.Volumes("/out/a.zip")
	require.NoError(t, err)
	require.Len(t, volumes, 10)
	require.Equal(t, "/out/a.zip.001", volumes[0])
	require.Equal(t, "/out/a.zip.009", volumes[8])
	require.Equal(t, "/out/a.zip.010", volumes[9])
}

// Expectation: A missing output folder should result in no volumes instead of an error.
func Test_Engine_Volumes_NoFolder_Success(t *testing.T) {
	eng := NewEngine(afero.NewMemMapFs(), nil, "7z", 0)

	volumes, err := eng.Volumes("/nowhere/a.zip")
	require.NoError(t, err)
	require.Empty(t, volumes)
}

// Expectation: The native runner should return the exit code and output of a command.
func Test_ExecRunner_Run_ExitCode_Success(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	res, err := ExecRunner{}.Run(t.Context(), "sh", "-c", "echo out; echo oops >&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "oops", res.Stderr)
}

// Expectation: The native runner should fail for commands that cannot be started.
func Test_ExecRunner_Run_NotFound_Error(t *testing.T) {
	_, err := ExecRunner{}.Run(t.Context(), "/definitely/not/a/binary")
	require.Error(t, err)
}

// Expectation: The native runner should fail when the context ends before the command.
func Test_ExecRunner_Run_CtxCancel_Error(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := ExecRunner{}.Run(ctx, "sh", "-c", "sleep 5")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
