package model

// ExtraJudgeConfig carries the per-submission knobs the dispatcher decodes
// from a judgers.local.run broker message, per §6.
type ExtraJudgeConfig struct {
	CompileTimeLimitMs       int64   `json:"compile_time_limit"`
	CompileResultLengthLimit int64   `json:"compile_result_length_limit"`
	SPJExecuteTimeLimitMs    int64   `json:"spj_execute_time_limit"`
	ExtraCompileParameter    string  `json:"extra_compile_parameter"`
	AutoSyncFiles            bool    `json:"auto_sync_files"`
	OutputFileSizeLimit      int64   `json:"output_file_size_limit"`
	SubmitAnswer             bool    `json:"submit_answer"`
	AnswerData               string  `json:"answer_data,omitempty"`
	TimeScale                float64 `json:"time_scale"`
}

// SetDefaults fills zero-valued knobs with the product defaults.
func (c *ExtraJudgeConfig) SetDefaults() {
	if c.TimeScale == 0 {
		c.TimeScale = 1.02
	}
	if c.CompileTimeLimitMs == 0 {
		c.CompileTimeLimitMs = 10000
	}
	if c.CompileResultLengthLimit == 0 {
		c.CompileResultLengthLimit = 64 * 1024
	}
	if c.OutputFileSizeLimit == 0 {
		c.OutputFileSizeLimit = 64 * 1024 * 1024
	}
}

// Submission is the immutable task input the dispatcher builds from a
// broker message. JudgeResult is the one mutable field, owned exclusively
// by the orchestrator for the submission's lifetime.
type Submission struct {
	ID          int64
	SourceCode  []byte
	LanguageID  string
	ProblemID   int64
	JudgeResult JudgeResult
	Extra       ExtraJudgeConfig
}

// SubtaskEntry is one named entry of the ordered JudgeResult tree. A plain
// map would lose the presentation order the product relies on, since Go map
// iteration order is unspecified.
type SubtaskEntry struct {
	Name   string        `json:"name"`
	Result *SubtaskResult `json:"result"`
}

// JudgeResult is the ordered subtask-name -> SubtaskResult mapping,
// preserving insertion order for presentation.
type JudgeResult struct {
	Subtasks []SubtaskEntry `json:"subtasks"`
}

// Get returns the subtask result for name, or nil if absent.
func (r *JudgeResult) Get(name string) *SubtaskResult {
	for i := range r.Subtasks {
		if r.Subtasks[i].Name == name {
			return r.Subtasks[i].Result
		}
	}
	return nil
}

// Set inserts or replaces the subtask result for name, preserving the
// existing position if name is already present, else appending.
func (r *JudgeResult) Set(name string, result *SubtaskResult) {
	for i := range r.Subtasks {
		if r.Subtasks[i].Name == name {
			r.Subtasks[i].Result = result
			return
		}
	}
	r.Subtasks = append(r.Subtasks, SubtaskEntry{Name: name, Result: result})
}

// Clone deep-copies the result tree so a caller can keep mutating its own
// copy (e.g. the orchestrator's live JudgeResult) while a snapshot taken
// before the mutation is marshalled and published concurrently.
func (r JudgeResult) Clone() JudgeResult {
	out := JudgeResult{Subtasks: make([]SubtaskEntry, len(r.Subtasks))}
	for i, entry := range r.Subtasks {
		out.Subtasks[i] = SubtaskEntry{Name: entry.Name, Result: entry.Result.clone()}
	}
	return out
}

func (s *SubtaskResult) clone() *SubtaskResult {
	if s == nil {
		return nil
	}
	out := &SubtaskResult{Score: s.Score, Status: s.Status, Testcases: make([]*TestcaseResult, len(s.Testcases))}
	for i, tc := range s.Testcases {
		if tc == nil {
			continue
		}
		cp := *tc
		out.Testcases[i] = &cp
	}
	return out
}

// SubtaskResult is one subtask's aggregate state. Testcases has a fixed
// length set at INIT_RESULT_TREE time, equal to the problem's testcase
// count for that subtask.
type SubtaskResult struct {
	Score     int               `json:"score"`
	Status    Status            `json:"status"`
	Testcases []*TestcaseResult `json:"testcases"`
}

// TestcaseResult is one testcase's terminal or in-flight state.
type TestcaseResult struct {
	FullScore  int    `json:"full_score"`
	Score      int    `json:"score"`
	Status     Status `json:"status"`
	Message    string `json:"message"`
	TimeCostMs int64  `json:"time_cost"`
	MemoryCost int64  `json:"memory_cost"`
	Input      string `json:"input"`
	Output     string `json:"output"`
}
