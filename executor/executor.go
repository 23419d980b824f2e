// Package executor materializes a workspace per job, optionally compiles the
// source through the compile cache, and runs the program under wall-clock
// and output-size caps.
package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/compilecache"
	"github.com/Harshith-10/sentinel-community/language"
	"github.com/Harshith-10/sentinel-community/types"
)

const defaultCompileTimeout = 10 * time.Second

// DefaultWorkRoot returns the platform workspace root directory.
func DefaultWorkRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\temp\code-execution`
	}
	return "/tmp/code-execution"
}

// Executor runs user programs. Safe for concurrent use; each Run owns its
// workspace exclusively.
type Executor struct {
	workRoot string
	cache    *compilecache.Cache
	logger   *zap.Logger
}

// Config defines executor configuration.
type Config struct {
	WorkRoot string              // workspace root, DefaultWorkRoot() if empty
	Cache    *compilecache.Cache // optional compile cache
	Logger   *zap.Logger
}

// New creates an executor and ensures the workspace root exists.
func New(conf Config) (*Executor, error) {
	root := conf.WorkRoot
	if root == "" {
		root = DefaultWorkRoot()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{workRoot: root, cache: conf.Cache, logger: logger}, nil
}

// Run executes code for the given language. It never returns an error across
// this surface: every failure mode is mapped into the result. With test
// cases present, stdin is ignored and per-case failures are recorded in the
// matching TestCaseResult; the run continues with the next case.
func (e *Executor) Run(lang *language.Descriptor, code, stdin string, cases []types.TestCase) *types.ExecutionResult {
	start := time.Now()

	ws, err := os.MkdirTemp(e.workRoot, "job-")
	if err != nil {
		return types.ErrorResult(fmt.Sprintf("Failed to create workspace: %v", err), time.Since(start))
	}
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			e.logger.Error("Workspace cleanup failed", zap.String("dir", ws), zap.Error(err))
		}
	}()

	srcName := lang.SourceFileName()
	srcPath := filepath.Join(ws, srcName)
	if err := os.WriteFile(srcPath, []byte(code), 0o644); err != nil {
		return types.ErrorResult(fmt.Sprintf("Failed to write source: %v", err), time.Since(start))
	}

	if lang.Compile != nil {
		if res := e.compile(lang, code, ws, srcPath, srcName, start); res != nil {
			return res
		}
	}

	argv := substituteArgs(lang.Args, ws, srcPath, srcName)
	runTimeout := time.Duration(lang.Timeout) * time.Millisecond

	if len(cases) == 0 {
		return e.runSingle(lang, argv, ws, stdin, runTimeout, start)
	}
	return e.runTestCases(lang, argv, ws, cases, runTimeout, start)
}

// compile builds the program in ws, going through the cache when the
// language family supports it. Returns nil on success, or the final error
// result to hand back to the caller.
func (e *Executor) compile(lang *language.Descriptor, code, ws, srcPath, srcName string, start time.Time) *types.ExecutionResult {
	key := compilecache.Key(lang, []byte(code))
	if e.cache != nil && e.cache.Lookup(lang, key, ws) {
		e.logger.Debug("Compile cache hit", zap.String("language", lang.Name), zap.String("key", key))
		return nil
	}

	timeout := defaultCompileTimeout
	if lang.Compile.Timeout > 0 {
		timeout = time.Duration(lang.Compile.Timeout) * time.Millisecond
	}
	pr, err := runProcess(procSpec{
		Command: substituteToken(lang.Compile.Command, ws, srcPath, srcName),
		Args:    substituteArgs(lang.Compile.Args, ws, srcPath, srcName),
		Dir:     ws,
		Timeout: timeout,
	})
	if err != nil {
		return types.ErrorResult(err.Error(), time.Since(start))
	}
	if pr.ExitCode != 0 {
		msg := pr.Stderr
		if msg == "" {
			msg = pr.Stdout
		}
		return types.ErrorResult("Compilation failed: "+msg, time.Since(start))
	}

	if e.cache != nil {
		e.cache.Store(lang, key, ws)
	}
	return nil
}

func (e *Executor) runSingle(lang *language.Descriptor, argv []string, ws, stdin string, timeout time.Duration, start time.Time) *types.ExecutionResult {
	pr, err := runProcess(procSpec{
		Command: substituteToken(lang.Command, ws, filepath.Join(ws, lang.SourceFileName()), lang.SourceFileName()),
		Args:    argv,
		Dir:     ws,
		Stdin:   stdin,
		Timeout: timeout,
	})
	if err != nil {
		return types.ErrorResult(err.Error(), time.Since(start))
	}
	return &types.ExecutionResult{
		Output:        pr.Stdout,
		Error:         pr.Stderr,
		ExecutionTime: time.Since(start).Milliseconds(),
		Status:        types.StatusSuccess,
	}
}

func (e *Executor) runTestCases(lang *language.Descriptor, argv []string, ws string, cases []types.TestCase, timeout time.Duration, start time.Time) *types.ExecutionResult {
	results := make([]types.TestCaseResult, 0, len(cases))
	for _, tc := range cases {
		caseStart := time.Now()
		tcr := types.TestCaseResult{Input: tc.Input, Expected: tc.Expected}

		pr, err := runProcess(procSpec{
			Command: substituteToken(lang.Command, ws, filepath.Join(ws, lang.SourceFileName()), lang.SourceFileName()),
			Args:    argv,
			Dir:     ws,
			Stdin:   tc.Input,
			Timeout: timeout,
		})
		if err != nil {
			tcr.Error = err.Error()
		} else {
			tcr.ActualOutput = pr.Stdout
			tcr.Passed = pr.Stdout == strings.TrimSpace(tc.Expected)
		}
		tcr.ExecutionTime = time.Since(caseStart).Milliseconds()
		results = append(results, tcr)
	}
	return &types.ExecutionResult{
		ExecutionTime: time.Since(start).Milliseconds(),
		Status:        types.StatusSuccess,
		TestCases:     results,
	}
}

// substituteArgs expands the {file}, {dir} and {filename} tokens in args.
func substituteArgs(args []string, dir, file, filename string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = substituteToken(a, dir, file, filename)
	}
	return out
}

func substituteToken(s, dir, file, filename string) string {
	s = strings.ReplaceAll(s, "{file}", file)
	s = strings.ReplaceAll(s, "{dir}", dir)
	s = strings.ReplaceAll(s, "{filename}", filename)
	return s
}
