// Package orchestrator implements C7: the per-submission judge state
// machine that drives FETCH_PROBLEM through FINALIZE.
package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/compare"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/depgraph"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/sandbox"
	jspec "github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/spec"
)

const workerVersion = "fuzoj-judge-worker/1.0"

// Problem-fetching and language-lookup collaborator, satisfied by
// *webapi.Client.
type ProblemSource interface {
	GetProblemInfo(ctx context.Context, problemID int64) (model.ProblemInfo, error)
	GetLangConfig(ctx context.Context, langID string) (model.LanguageConfig, error)
}

// Synchronizer is C6's contract, satisfied by *testdata.Synchronizer.
type Synchronizer interface {
	Sync(ctx context.Context, problemID int64, dataDir string) error
}

// StatusReporter is C8's contract: publish a snapshot, best-effort.
type StatusReporter interface {
	Publish(ctx context.Context, submissionID int64, result model.JudgeResult, message string)
}

// Orchestrator is C7.
type Orchestrator struct {
	problems    ProblemSource
	sync        Synchronizer
	reporter    StatusReporter
	executor    *sandbox.Executor
	dockerImage string
	dataDir     string
}

// New constructs C7.
func New(problems ProblemSource, sync Synchronizer, reporter StatusReporter, executor *sandbox.Executor, dockerImage, dataDir string) *Orchestrator {
	return &Orchestrator{
		problems:    problems,
		sync:        sync,
		reporter:    reporter,
		executor:    executor,
		dockerImage: dockerImage,
		dataDir:     dataDir,
	}
}

// session carries the per-invocation state threaded through the phases,
// keeping method signatures manageable without a package-level global.
type session struct {
	submission *model.Submission
	problem    model.ProblemInfo
	problemDir string
	root       string // submission-scoped scratch root, destroyed on return

	lang       model.LanguageConfig
	binaryName string
	comparator compare.Comparator

	answerData map[string][]byte // submit-answer mode: output name -> bytes

	compileOutput  string // captured compile stdout/stderr, for FINALIZE
	compileMessage string // usage summary, populated on successful compile
}

// Execute runs one submission to completion: FETCH_PROBLEM → SYNC_FILES →
// PREPARE_COMPARATOR → COMPILE_OR_INGEST → INIT_RESULT_TREE →
// SCHEDULE_LOOP → FINALIZE.
func (o *Orchestrator) Execute(ctx context.Context, submission *model.Submission) error {
	submission.Extra.SetDefaults()

	problem, err := o.problems.GetProblemInfo(ctx, submission.ProblemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "fetch problem info failed")
	}

	problemDir := filepath.Join(o.dataDir, strconv.FormatInt(submission.ProblemID, 10))

	if submission.Extra.AutoSyncFiles {
		if err := o.sync.Sync(ctx, submission.ProblemID, problemDir); err != nil {
			return appErr.Wrapf(err, appErr.TestdataSyncFailure, "sync testdata failed")
		}
	}

	root, err := os.MkdirTemp("", fmt.Sprintf("judge-%d-*", submission.ID))
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create submission scratch dir failed")
	}
	defer os.RemoveAll(root)

	s := &session{submission: submission, problem: problem, problemDir: problemDir, root: root}

	comparator, err := o.prepareComparator(ctx, s)
	if err != nil {
		return err
	}
	s.comparator = comparator
	if closer, ok := comparator.(io.Closer); ok {
		defer closer.Close()
	}

	done, err := o.compileOrIngest(ctx, s)
	if err != nil {
		return err
	}
	if done {
		// Compile failed; terminal compile_error already published.
		return nil
	}

	o.initResultTree(s)
	o.reporter.Publish(ctx, submission.ID, submission.JudgeResult, "Judging")

	skipped, err := o.scheduleLoop(ctx, s)
	if err != nil {
		return err
	}

	o.finalize(ctx, s, skipped)
	return nil
}

var spjLangPattern = regexp.MustCompile(`^spj_([A-Za-z0-9_]+)\.[^.]+$`)

// prepareComparator implements PREPARE_COMPARATOR.
func (o *Orchestrator) prepareComparator(ctx context.Context, s *session) (compare.Comparator, error) {
	if s.problem.SPJFilename == "" {
		if s.submission.Extra.SubmitAnswer {
			return nil, appErr.Newf(appErr.InvalidParams, "submit-answer requires a special judge")
		}
		return compare.NewLineComparator(), nil
	}

	match := spjLangPattern.FindStringSubmatch(s.problem.SPJFilename)
	if match == nil {
		return nil, appErr.Newf(appErr.ComparatorFailure, "cannot derive language from spj filename %q", s.problem.SPJFilename)
	}
	spjLang, err := o.problems.GetLangConfig(ctx, match[1])
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ComparatorFailure, "fetch spj language config failed")
	}

	spjSourcePath := filepath.Join(s.problemDir, s.problem.SPJFilename)
	spj, err := compare.NewSpecialJudge(o.executor, o.dockerImage, spjLang, spjSourcePath, s.submission.Extra.SPJExecuteTimeLimitMs)
	if err != nil {
		return nil, err
	}
	if err := spj.Compile(ctx); err != nil {
		spj.Close()
		return nil, err
	}
	return spj, nil
}

// compileOrIngest implements COMPILE_OR_INGEST. It returns done=true if the
// submission already reached a terminal state (compile failure).
func (o *Orchestrator) compileOrIngest(ctx context.Context, s *session) (bool, error) {
	if s.submission.Extra.SubmitAnswer {
		return false, o.ingestAnswerZip(s)
	}

	lang, err := o.problems.GetLangConfig(ctx, s.submission.LanguageID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.JudgeSystemError, "fetch language config failed")
	}
	s.lang = lang

	compileDir := filepath.Join(s.root, "compile")
	if err := os.MkdirAll(compileDir, 0755); err != nil {
		return false, appErr.Wrapf(err, appErr.JudgeSystemError, "create compile dir failed")
	}

	sourceName := model.Substitute(lang.SourceFile, map[string]string{"filename": "main"})
	if err := os.WriteFile(filepath.Join(compileDir, sourceName), s.submission.SourceCode, 0644); err != nil {
		return false, appErr.Wrapf(err, appErr.JudgeSystemError, "stage source failed")
	}
	for _, name := range s.problem.Provides {
		if err := copyFile(filepath.Join(s.problemDir, name), filepath.Join(compileDir, name)); err != nil {
			return false, appErr.Wrapf(err, appErr.JudgeSystemError, "copy provided file %s failed", name)
		}
	}

	outputName := model.Substitute(lang.OutputFile, map[string]string{"filename": "main"})
	compileCmd := model.Substitute(lang.CompileCmd, map[string]string{
		"source": sourceName,
		"output": outputName,
		"extra":  s.submission.Extra.ExtraCompileParameter,
	})

	result, err := o.executor.Execute(ctx, jspec.RunSpec{
		Image:        o.dockerImage,
		HostMountDir: compileDir,
		Target:       "/temp",
		Argv:         []string{"sh", "-c", compileCmd},
		Limits: jspec.ResourceLimit{
			MemoryBytes:    2 << 30,
			TimeUs:         s.submission.Extra.CompileTimeLimitMs * 1000,
			MaxOutputBytes: s.submission.Extra.CompileResultLengthLimit,
		},
		SubmissionID: strconv.FormatInt(s.submission.ID, 10),
		TestID:       "compile",
	})
	if err != nil {
		return false, appErr.Wrapf(err, appErr.SandboxFailure, "compile sandbox invocation failed")
	}

	usage := fmt.Sprintf("time=%dms memory=%dbytes exit=%d", int64(math.Ceil(float64(result.TimeCostUs)/1000)), result.MemoryCostBytes, result.ExitCode)
	output := result.Output
	if result.OutputTruncated {
		output += "[Truncated]"
	}
	if result.ExitCode != 0 {
		o.publishCompileError(ctx, s, output+"\n"+usage)
		return true, nil
	}

	s.binaryName = outputName
	s.compileOutput = output
	s.compileMessage = usage
	return false, nil
}

func (o *Orchestrator) publishCompileError(ctx context.Context, s *session, message string) {
	var jr model.JudgeResult
	for _, st := range s.problem.Subtasks {
		testcases := make([]*model.TestcaseResult, len(st.Testcases))
		for i, tc := range st.Testcases {
			testcases[i] = &model.TestcaseResult{FullScore: tc.FullScore, Status: model.StatusCompileError}
		}
		jr.Set(st.Name, &model.SubtaskResult{Status: model.StatusCompileError, Testcases: testcases})
	}
	s.submission.JudgeResult = jr
	o.reporter.Publish(ctx, s.submission.ID, jr, message)
}

// ingestAnswerZip implements the submit-answer COMPILE_OR_INGEST branch.
func (o *Orchestrator) ingestAnswerZip(s *session) error {
	raw, err := base64.StdEncoding.DecodeString(s.submission.Extra.AnswerData)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode answer_data failed")
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "open answer zip failed")
	}
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	answerData := make(map[string][]byte)
	for _, st := range s.problem.Subtasks {
		for _, tc := range st.Testcases {
			if _, ok := answerData[tc.Output]; ok {
				continue
			}
			f, ok := byName[tc.Output]
			if !ok {
				answerData[tc.Output] = nil
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return appErr.Wrapf(err, appErr.InvalidParams, "open %s in answer zip failed", tc.Output)
			}
			content, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return appErr.Wrapf(err, appErr.InvalidParams, "read %s in answer zip failed", tc.Output)
			}
			answerData[tc.Output] = content
		}
	}
	s.answerData = answerData
	return nil
}

// initResultTree implements INIT_RESULT_TREE.
func (o *Orchestrator) initResultTree(s *session) {
	var jr model.JudgeResult
	for _, st := range s.problem.Subtasks {
		testcases := make([]*model.TestcaseResult, len(st.Testcases))
		for i, tc := range st.Testcases {
			testcases[i] = &model.TestcaseResult{FullScore: tc.FullScore, Status: model.StatusWaiting}
		}
		jr.Set(st.Name, &model.SubtaskResult{Status: model.StatusWaiting, Testcases: testcases})
	}
	s.submission.JudgeResult = jr
}

// scheduleLoop implements SCHEDULE_LOOP, returning C5's final skip report.
func (o *Orchestrator) scheduleLoop(ctx context.Context, s *session) ([]depgraph.Skipped, error) {
	names := make([]string, len(s.problem.Subtasks))
	byName := make(map[string]model.SubtaskSpec, len(s.problem.Subtasks))
	for i, st := range s.problem.Subtasks {
		names[i] = st.Name
		byName[st.Name] = st
	}

	deps, err := readDependencyFile(s.problemDir)
	if err != nil {
		return nil, err
	}

	graph, err := depgraph.New(names, deps)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DependencyGraphInvalid, "build dependency graph failed")
	}

	for {
		name, ok := graph.PeekNext()
		if !ok {
			break
		}
		passed, err := o.runSubtask(ctx, s, byName[name])
		if err != nil {
			return nil, err
		}
		graph.Report(passed)
	}
	return graph.Skipped(), nil
}

func readDependencyFile(problemDir string) (map[string][]string, error) {
	raw, err := os.ReadFile(filepath.Join(problemDir, "subtask_dependency.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DependencyGraphInvalid, "read subtask_dependency.json failed")
	}
	var deps map[string][]string
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, appErr.Wrapf(err, appErr.DependencyGraphInvalid, "decode subtask_dependency.json failed")
	}
	return deps, nil
}

// runSubtask runs every testcase of one subtask in order, applying the
// will_skip short-circuit for method=="min", then aggregates the result.
func (o *Orchestrator) runSubtask(ctx context.Context, s *session, st model.SubtaskSpec) (bool, error) {
	result := s.submission.JudgeResult.Get(st.Name)
	willSkip := false

	for i, tc := range st.Testcases {
		o.reporter.Publish(ctx, s.submission.ID, s.submission.JudgeResult,
			fmt.Sprintf("Judging %s: testcase %d/%d", st.Name, i+1, len(st.Testcases)))

		var tr *model.TestcaseResult
		switch {
		case willSkip:
			tr = &model.TestcaseResult{FullScore: tc.FullScore, Status: model.StatusSkipped, Message: "跳过"}
		case s.submission.Extra.SubmitAnswer:
			var err error
			tr, err = o.runSubmitAnswerTestcase(ctx, s, tc)
			if err != nil {
				return false, err
			}
		default:
			var err error
			tr, err = o.runTraditionalTestcase(ctx, s, st, tc)
			if err != nil {
				return false, err
			}
		}
		result.Testcases[i] = tr
		if tr.Status != model.StatusAccepted && st.Method == "min" {
			willSkip = true
		}
	}

	aggregateSubtask(result, st)
	s.submission.JudgeResult.Set(st.Name, result)
	o.reporter.Publish(ctx, s.submission.ID, s.submission.JudgeResult, fmt.Sprintf("%s done", st.Name))
	return result.Status == model.StatusAccepted, nil
}

func aggregateSubtask(result *model.SubtaskResult, st model.SubtaskSpec) {
	switch st.Method {
	case "min":
		allAccepted := true
		for _, tc := range result.Testcases {
			if tc.Status != model.StatusAccepted {
				allAccepted = false
				break
			}
		}
		if allAccepted {
			result.Score = st.Score
		} else {
			result.Score = 0
		}
	default: // "sum"
		sum := 0
		for _, tc := range result.Testcases {
			sum += tc.Score
		}
		result.Score = sum
	}

	if result.Score == st.Score {
		result.Status = model.StatusAccepted
	} else {
		result.Status = model.StatusUnaccepted
	}
}

// runTraditionalTestcase implements the "Per testcase (traditional)" phase.
func (o *Orchestrator) runTraditionalTestcase(ctx context.Context, s *session, st model.SubtaskSpec, tc model.TestcaseSpec) (*model.TestcaseResult, error) {
	runDir := filepath.Join(s.root, fmt.Sprintf("%s-%s", st.Name, tc.Input))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "create run dir failed")
	}
	if err := copyFile(filepath.Join(s.root, "compile", s.binaryName), filepath.Join(runDir, s.binaryName)); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "stage compiled program failed")
	}

	inName, outName, redirect := "in", "out", ""
	if s.problem.UsingFileIO {
		inName, outName = s.problem.InputFileName, s.problem.OutputFileName
	} else {
		redirect = fmt.Sprintf("< %s > %s", inName, outName)
	}
	if err := copyFile(filepath.Join(s.problemDir, tc.Input), filepath.Join(runDir, inName)); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "stage input file failed")
	}

	timeScale := s.submission.Extra.TimeScale
	scaledTimeMs := int64(math.Ceil(float64(st.TimeLimitMs) * timeScale))
	runCmd := model.Substitute(s.lang.RunCmd, map[string]string{"program": s.binaryName, "redirect": redirect})

	result, err := o.executor.Execute(ctx, jspec.RunSpec{
		Image:        o.dockerImage,
		HostMountDir: runDir,
		Target:       "/temp",
		Argv:         []string{"sh", "-c", runCmd},
		Limits: jspec.ResourceLimit{
			MemoryBytes:    st.MemoryLimitMB * (1 << 20),
			TimeUs:         scaledTimeMs * 1000,
			MaxOutputBytes: 1024,
		},
		SubmissionID: strconv.FormatInt(s.submission.ID, 10),
		TestID:       tc.Input,
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxFailure, "run sandbox invocation failed")
	}

	tr := &model.TestcaseResult{
		FullScore:  tc.FullScore,
		MemoryCost: result.MemoryCostBytes,
		TimeCostMs: int64(math.Ceil(float64(result.TimeCostUs) / 1000)),
		Input:      tc.Input,
		Output:     tc.Output,
	}

	switch {
	case result.MemoryCostBytes/(1<<20) >= st.MemoryLimitMB:
		tr.Status = model.StatusMemoryLimitExceed
		return tr, nil
	case result.TimeCostUs >= scaledTimeMs*1000:
		tr.Status = model.StatusTimeLimitExceed
		return tr, nil
	case result.ExitCode != 0:
		tr.Status = model.StatusRuntimeError
		tr.Message = fmt.Sprintf("退出代码: %d", result.ExitCode)
		return tr, nil
	}

	userOut, oversize, err := readCapped(filepath.Join(runDir, outName), s.submission.Extra.OutputFileSizeLimit)
	if err != nil {
		userOut = nil
	}
	if oversize {
		tr.Status = model.StatusOutputSizeLimitExceed
		return tr, nil
	}

	answer, err := os.ReadFile(filepath.Join(s.problemDir, tc.Output))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "read expected output failed")
	}
	input, err := os.ReadFile(filepath.Join(s.problemDir, tc.Input))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "read input file failed")
	}

	cmp, err := s.comparator.Compare(ctx, userOut, answer, input, tc.FullScore)
	if err != nil {
		tr.Status = model.StatusJudgeFailed
		tr.Message = err.Error()
		return tr, nil
	}
	applyComparatorVerdict(tr, cmp, tc.FullScore)
	return tr, nil
}

// runSubmitAnswerTestcase implements the "Per testcase (submit-answer)"
// phase: no sandbox execution, answer bytes looked up by output name.
func (o *Orchestrator) runSubmitAnswerTestcase(ctx context.Context, s *session, tc model.TestcaseSpec) (*model.TestcaseResult, error) {
	tr := &model.TestcaseResult{FullScore: tc.FullScore, Input: tc.Input, Output: tc.Output}

	userOut, ok := s.answerData[tc.Output]
	if !ok || userOut == nil {
		tr.Status = model.StatusWrongAnswer
		tr.Message = fmt.Sprintf("Missing file: %s", tc.Output)
		return tr, nil
	}

	answer, err := os.ReadFile(filepath.Join(s.problemDir, tc.Output))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "read expected output failed")
	}
	input, err := os.ReadFile(filepath.Join(s.problemDir, tc.Input))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "read input file failed")
	}

	cmp, err := s.comparator.Compare(ctx, userOut, answer, input, tc.FullScore)
	if err != nil {
		tr.Status = model.StatusJudgeFailed
		tr.Message = err.Error()
		return tr, nil
	}
	applyComparatorVerdict(tr, cmp, tc.FullScore)
	return tr, nil
}

func applyComparatorVerdict(tr *model.TestcaseResult, cmp compare.Result, fullScore int) {
	tr.Score = cmp.Score
	tr.Message = cmp.Message
	switch {
	case cmp.Score == fullScore:
		tr.Status = model.StatusAccepted
	case cmp.Score > fullScore:
		tr.Status = model.StatusUnaccepted
		tr.Message = fmt.Sprintf("Illegal score: %d", cmp.Score)
	default:
		tr.Status = model.StatusWrongAnswer
	}
}

// finalize implements FINALIZE: skipped subtasks are stamped, and a
// terminal status update is published.
func (o *Orchestrator) finalize(ctx context.Context, s *session, skipped []depgraph.Skipped) {
	for _, sk := range skipped {
		result := s.submission.JudgeResult.Get(sk.Name)
		if result == nil || result.Status != model.StatusWaiting {
			// Already ran (and e.g. failed) — C5 also reports runs that
			// were never "dropped"; only genuinely unscheduled subtasks
			// are overwritten here.
			continue
		}
		result.Status = model.StatusSkipped
		for _, tc := range result.Testcases {
			tc.Status = model.StatusSkipped
			tc.Message = sk.Reason
		}
		s.submission.JudgeResult.Set(sk.Name, result)
	}

	message := fmt.Sprintf("%s | %s", workerVersion, time.Now().Format(time.RFC3339))
	if !s.submission.Extra.SubmitAnswer {
		message += " | compile output: " + s.compileOutput + " | compile: " + s.compileMessage
		if len(skipped) > 0 {
			names := make([]string, 0, len(skipped))
			for _, sk := range skipped {
				names = append(names, sk.Name)
			}
			message += " | skipped: " + strings.Join(names, ",")
		}
	}
	o.reporter.Publish(ctx, s.submission.ID, s.submission.JudgeResult, message)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Chmod(0755)
}

// readCapped reads path, reporting oversize=true without error if its size
// exceeds limit. A missing/unreadable file is treated as empty output, not
// an error, per §4.6.
func readCapped(path string, limit int64) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, nil
	}
	if limit > 0 && info.Size() > limit {
		return nil, true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, nil
	}
	return data, false, nil
}
