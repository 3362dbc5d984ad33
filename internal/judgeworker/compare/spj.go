package compare

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/sandbox"
	jspec "github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/spec"
)

const (
	spjCompileMemoryBytes = 1 << 30    // 1 GiB
	spjCompileTimeUs      = 10_000_000 // 10s
	spjCompileOutputBytes = 1 << 20    // 1 MiB
	spjRunMemoryBytes     = 8 << 30    // 8 GiB, SPJs are trusted to run larger than user programs
)

// SpecialJudge implements C4: it compiles an SPJ program once, then for
// each comparison stages files and runs the SPJ under C1 in a dedicated
// scratch directory.
type SpecialJudge struct {
	executor   *sandbox.Executor
	image      string
	lang       model.LanguageConfig
	sourcePath string
	scratchDir string
	runTimeUs  int64

	binaryPath string
}

// NewSpecialJudge constructs C4, creating its dedicated scratch directory.
func NewSpecialJudge(executor *sandbox.Executor, image string, lang model.LanguageConfig, sourcePath string, runTimeLimitMs int64) (*SpecialJudge, error) {
	dir, err := os.MkdirTemp("", "spj-*")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ComparatorFailure, "create spj scratch dir failed")
	}
	return &SpecialJudge{
		executor:   executor,
		image:      image,
		lang:       lang,
		sourcePath: sourcePath,
		scratchDir: dir,
		runTimeUs:  runTimeLimitMs * 1000,
	}, nil
}

// Close removes the SPJ's scratch directory.
func (s *SpecialJudge) Close() error {
	return os.RemoveAll(s.scratchDir)
}

// Compile copies the SPJ source into the scratch directory and compiles it
// under C1 with the fixed compile-time resource caps.
func (s *SpecialJudge) Compile(ctx context.Context) error {
	sourceName := model.Substitute(s.lang.SourceFile, map[string]string{"filename": "spj"})
	outputName := model.Substitute(s.lang.OutputFile, map[string]string{"filename": "spj"})

	sourceBytes, err := os.ReadFile(s.sourcePath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ComparatorFailure, "read spj source failed")
	}
	if err := os.WriteFile(filepath.Join(s.scratchDir, sourceName), sourceBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.ComparatorFailure, "stage spj source failed")
	}

	compileCmd := model.Substitute(s.lang.CompileCmd, map[string]string{
		"source": sourceName,
		"output": outputName,
		"extra":  "",
	})

	result, err := s.executor.Execute(ctx, jspec.RunSpec{
		Image:        s.image,
		HostMountDir: s.scratchDir,
		Target:       "/temp",
		Argv:         []string{"sh", "-c", compileCmd},
		Limits: jspec.ResourceLimit{
			MemoryBytes:    spjCompileMemoryBytes,
			TimeUs:         spjCompileTimeUs,
			MaxOutputBytes: spjCompileOutputBytes,
		},
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.ComparatorFailure, "spj compile sandbox invocation failed")
	}
	if result.ExitCode != 0 {
		return appErr.Newf(appErr.ComparatorFailure, "spj compile failed: exit %d: %s", result.ExitCode, result.Output)
	}
	binaryPath := filepath.Join(s.scratchDir, outputName)
	if _, err := os.Stat(binaryPath); err != nil {
		return appErr.Newf(appErr.ComparatorFailure, "spj compile did not produce %s", outputName)
	}
	s.binaryPath = outputName
	return nil
}

// Compare implements Comparator: it stages user_out/answer/input, runs the
// SPJ, and parses its score/message files per §4.3.
func (s *SpecialJudge) Compare(ctx context.Context, userOut, answer, input []byte, fullScore int) (Result, error) {
	if err := writeScratchFile(s.scratchDir, "user_out", userOut); err != nil {
		return Result{}, err
	}
	if err := writeScratchFile(s.scratchDir, "answer", answer); err != nil {
		return Result{}, err
	}
	if err := writeScratchFile(s.scratchDir, "input", input); err != nil {
		return Result{}, err
	}
	_ = os.Remove(filepath.Join(s.scratchDir, "score"))
	_ = os.Remove(filepath.Join(s.scratchDir, "message"))

	runCmd := model.Substitute(s.lang.RunCmd, map[string]string{
		"program":  s.binaryPath,
		"redirect": "",
	})

	result, err := s.executor.Execute(ctx, jspec.RunSpec{
		Image:        s.image,
		HostMountDir: s.scratchDir,
		Target:       "/temp",
		Argv:         []string{"sh", "-c", runCmd},
		Limits: jspec.ResourceLimit{
			MemoryBytes: spjRunMemoryBytes,
			TimeUs:      s.runTimeUs,
		},
	})
	if err != nil {
		return Result{}, appErr.Wrapf(err, appErr.ComparatorFailure, "spj run sandbox invocation failed")
	}

	message, _ := os.ReadFile(filepath.Join(s.scratchDir, "message"))

	if result.ExitCode != 0 {
		msg := fmt.Sprintf("SPJ exited with code %d, time=%dus mem=%dbytes", result.ExitCode, result.TimeCostUs, result.MemoryCostBytes)
		if len(message) > 0 {
			msg += ": " + strings.TrimSpace(string(message))
		}
		return Result{Score: 0, Message: msg}, nil
	}

	scoreBytes, err := os.ReadFile(filepath.Join(s.scratchDir, "score"))
	if err != nil {
		return Result{Score: 0, Message: "no score file"}, nil
	}

	rawScore, err := parseScore(scoreBytes)
	if err != nil {
		return Result{}, appErr.Wrapf(err, appErr.ComparatorFailure, "parse spj score failed")
	}
	if rawScore < 0 || rawScore > 100 {
		return Result{}, appErr.Newf(appErr.ComparatorFailure, "spj reported out-of-range score: %d", rawScore)
	}

	finalScore := int(math.Floor(float64(rawScore) / 100 * float64(fullScore)))
	return Result{Score: finalScore, Message: strings.TrimSpace(string(message))}, nil
}

func writeScratchFile(dir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return appErr.Wrapf(err, appErr.ComparatorFailure, "stage %s failed", name)
	}
	return nil
}

func parseScore(data []byte) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty score file")
	}
	return strconv.Atoi(strings.TrimSpace(scanner.Text()))
}
