package model

import "strings"

// ProblemFile is one entry in a problem's canonical server-side file list,
// as returned by get_file_list and consumed by the testdata synchronizer.
type ProblemFile struct {
	Name             string `json:"name"`
	Size             int64  `json:"size"`
	LastModifiedTime int64  `json:"last_modified_time"`
}

// TestcaseSpec is one testcase entry inside a subtask.
type TestcaseSpec struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	FullScore  int    `json:"full_score"`
}

// SubtaskSpec describes one subtask's combine rule and testcases.
type SubtaskSpec struct {
	Name         string         `json:"name"`
	Method       string         `json:"method"` // "min" or "sum"
	TimeLimitMs  int64          `json:"time_limit"`
	MemoryLimitMB int64         `json:"memory_limit"`
	Score        int            `json:"score"`
	Testcases    []TestcaseSpec `json:"testcases"`
}

// IOMode selects stdio vs named-file redirection for traditional testcases.
type IOMode string

const (
	IOModeStdio IOMode = "stdio"
	IOModeFile  IOMode = "file"
)

// ProblemInfo is the read-only per-task problem description fetched via
// FETCH_PROBLEM.
type ProblemInfo struct {
	ID                int64         `json:"id"`
	Files             []ProblemFile `json:"files"`
	Subtasks          []SubtaskSpec `json:"subtasks"`
	SPJFilename       string        `json:"spj_filename"`
	UsingFileIO       bool          `json:"using_file_io"`
	InputFileName     string        `json:"input_file_name"`
	OutputFileName    string        `json:"output_file_name"`
	Provides          []string      `json:"provides"`
}

// IOMode resolves the effective IO mode from UsingFileIO.
func (p *ProblemInfo) IOMode() IOMode {
	if p.UsingFileIO {
		return IOModeFile
	}
	return IOModeStdio
}

// LanguageConfig holds a language's compile/run command templates. The
// templates are textual, substituted verbatim and handed to `sh -c`; the
// worker never tokenizes them.
type LanguageConfig struct {
	ID            string `json:"id"`
	SourceFile    string `json:"source_file"`    // contains {filename}
	OutputFile    string `json:"output_file"`    // contains {filename}
	CompileCmd    string `json:"compile"`        // contains {source},{output},{extra}
	RunCmd        string `json:"run"`            // contains {program},{redirect}
}

// Substitute performs the textual placeholder substitution for compile/run
// templates. No shell tokenization is attempted; the caller hands the
// result to the sandbox's `sh -c`.
func Substitute(template string, replacements map[string]string) string {
	out := template
	for k, v := range replacements {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
