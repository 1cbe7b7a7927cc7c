package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/llmdock/internal/benchrun"
)

// Failure messages recorded on runs whose output cannot be used.
const (
	MsgUnparseable = "Failed to parse llama-bench JSON output from stdout or stderr"
	MsgEmpty       = "llama-bench returned empty or invalid results"
)

// ParseError reports unusable llama-bench output. RawOutput is what gets
// attached to the run for debugging.
type ParseError struct {
	Message   string
	RawOutput string
}

func (e *ParseError) Error() string { return "supervisor: " + e.Message }

// benchEntry is one llama-bench JSON result row. Only the fields the run
// record keeps are decoded.
type benchEntry struct {
	NPrompt      *json.Number `json:"n_prompt"`
	NGen         *json.Number `json:"n_gen"`
	AvgTS        *float64     `json:"avg_ts"`
	StddevTS     *float64     `json:"stddev_ts"`
	BuildCommit  *string      `json:"build_commit"`
	ModelType    *string      `json:"model_type"`
	ModelSize    *json.Number `json:"model_size"`
	ModelNParams *json.Number `json:"model_n_params"`
	GPUInfo      *string      `json:"gpu_info"`
	CPUInfo      *string      `json:"cpu_info"`
}

// ExtractJSONArray decodes the JSON array starting at the first '[' in text.
// Anything before it (driver banners, progress lines) is ignored, as is
// anything after the array closes.
func ExtractJSONArray(text string) ([]json.RawMessage, error) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil, errors.New("no JSON array in output")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var arr []json.RawMessage
	if err := dec.Decode(&arr); err != nil {
		return nil, fmt.Errorf("decode JSON array: %w", err)
	}
	return arr, nil
}

// ParseOutput extracts metrics from llama-bench output, trying stdout first
// and then stderr.
//
// The first prompt-processing entry (n_prompt > 0, no n_gen) and the first
// token-generation entry (n_gen > 0, no n_prompt) win; later duplicates are
// ignored. Metadata fields come from the first entry that carries them.
func ParseOutput(stdout, stderr string) (benchrun.Results, error) {
	arr, err := ExtractJSONArray(stdout)
	if err != nil {
		arr, err = ExtractJSONArray(stderr)
	}
	if err != nil {
		return benchrun.Results{}, &ParseError{
			Message:   MsgUnparseable,
			RawOutput: "stdout:\n" + stdout + "\n\nstderr:\n" + stderr,
		}
	}
	if len(arr) == 0 {
		return benchrun.Results{}, &ParseError{Message: MsgEmpty, RawOutput: stdout}
	}

	res := benchrun.Results{RawOutput: stdout}
	var havePP, haveTG bool
	var haveCommit, haveType, haveGPU, haveCPU bool
	for _, raw := range arr {
		var e benchEntry
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&e); err != nil {
			// Non-object rows carry nothing we record.
			continue
		}

		prompt, gen := positive(e.NPrompt), positive(e.NGen)
		switch {
		case prompt && !gen && !havePP:
			res.PPAvgTS, res.PPStddevTS = e.AvgTS, e.StddevTS
			havePP = true
		case gen && !prompt && !haveTG:
			res.TGAvgTS, res.TGStddevTS = e.AvgTS, e.StddevTS
			haveTG = true
		}

		if !haveCommit && e.BuildCommit != nil {
			res.BuildCommit, haveCommit = *e.BuildCommit, true
		}
		if !haveType && e.ModelType != nil {
			res.ModelType, haveType = *e.ModelType, true
		}
		if res.ModelSize == nil {
			res.ModelSize = toInt64(e.ModelSize)
		}
		if res.ModelNParams == nil {
			res.ModelNParams = toInt64(e.ModelNParams)
		}
		if !haveGPU && e.GPUInfo != nil {
			res.GPUInfo, haveGPU = *e.GPUInfo, true
		}
		if !haveCPU && e.CPUInfo != nil {
			res.CPUInfo, haveCPU = *e.CPUInfo, true
		}
	}
	return res, nil
}

func positive(n *json.Number) bool {
	if n == nil {
		return false
	}
	f, err := n.Float64()
	return err == nil && f > 0
}

func toInt64(n *json.Number) *int64 {
	if n == nil {
		return nil
	}
	if v, err := n.Int64(); err == nil {
		return &v
	}
	if f, err := n.Float64(); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}
