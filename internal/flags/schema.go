package flags

import "fmt"

// Engine identifies an inference-server family.
type Engine string

const (
	LlamaCpp Engine = "llamacpp"
	VLLM     Engine = "vllm"
)

// Engines lists every supported engine in display order.
var Engines = []Engine{LlamaCpp, VLLM}

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	return e == LlamaCpp || e == VLLM
}

// Kind is the value kind of a flag.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindPath   Kind = "path"
	KindBool   Kind = "bool"
	// KindEnv flags are passed to the container environment, never argv.
	// Their Token is the variable name.
	KindEnv Kind = "env"
)

// Spec maps a logical flag name to its command-line token.
type Spec struct {
	Name  string
	Token string
	Kind  Kind
}

// Rule is a typed value constraint. Min/Max apply to int and float rules.
type Rule struct {
	Kind Kind
	Min  float64
	Max  float64
}

// Schema is the fixed flag vocabulary of one engine.
type Schema struct {
	Engine    Engine
	Mandatory []string

	specs   []Spec
	byName  map[string]Spec
	byToken map[string]Spec
	rules   map[string]Rule
}

func newSchema(engine Engine, mandatory []string, specs []Spec, rules map[string]Rule) *Schema {
	s := &Schema{
		Engine:    engine,
		Mandatory: mandatory,
		specs:     specs,
		byName:    make(map[string]Spec, len(specs)),
		byToken:   make(map[string]Spec, len(specs)),
		rules:     rules,
	}
	for _, sp := range specs {
		s.byName[sp.Name] = sp
		if sp.Kind != KindEnv {
			s.byToken[sp.Token] = sp
		}
	}
	return s
}

// Lookup resolves key by logical name first, then by CLI token.
func (s *Schema) Lookup(key string) (Spec, bool) {
	if sp, ok := s.byName[key]; ok {
		return sp, true
	}
	sp, ok := s.byToken[key]
	return sp, ok
}

// Rule returns the value constraint for the flag identified by key, if any.
func (s *Schema) Rule(key string) (Rule, bool) {
	sp, ok := s.Lookup(key)
	if !ok {
		return Rule{}, false
	}
	r, ok := s.rules[sp.Name]
	return r, ok
}

// Specs returns the flag table in declaration order.
func (s *Schema) Specs() []Spec {
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

var schemas = map[Engine]*Schema{
	LlamaCpp: newSchema(LlamaCpp, []string{"port", "model_reference", "alias", "api_key"}, llamaCppFlags, llamaCppRules),
	VLLM:     newSchema(VLLM, []string{"port", "model_reference", "alias", "api_key"}, vllmFlags, vllmRules),
}

// SchemaFor returns the schema for engine.
func SchemaFor(engine Engine) (*Schema, error) {
	s, ok := schemas[engine]
	if !ok {
		return nil, fmt.Errorf("flags: unknown engine %q", engine)
	}
	return s, nil
}

var llamaCppRules = map[string]Rule{
	"context_length":  {Kind: KindInt, Min: 512, Max: 1000000},
	"gpu_layers":      {Kind: KindInt, Min: 0, Max: 999},
	"batch_size":      {Kind: KindInt, Min: 1, Max: 16384},
	"ubatch_size":     {Kind: KindInt, Min: 1, Max: 16384},
	"repeat_penalty":  {Kind: KindFloat, Min: 0, Max: 2},
	"top_p":           {Kind: KindFloat, Min: 0, Max: 1},
	"top_k":           {Kind: KindFloat, Min: 1, Max: 100},
	"temperature":     {Kind: KindFloat, Min: 0, Max: 2},
	"rope_freq_base":  {Kind: KindInt, Min: 1, Max: 1000000},
	"rope_freq_scale": {Kind: KindFloat, Min: 0, Max: 10},
	"cpu_mask":        {Kind: KindString},
	"cpu_strict":      {Kind: KindInt, Min: 0, Max: 1},
	"numa_mode":       {Kind: KindString},
	"mmap":            {Kind: KindBool},
	"direct_io":       {Kind: KindBool},
	"embeddings":      {Kind: KindBool},
	"cpu_moe":         {Kind: KindInt, Min: 0, Max: 100},
	"no_op_offload":   {Kind: KindBool},
}

var vllmRules = map[string]Rule{
	"max_model_len":          {Kind: KindInt, Min: 512, Max: 1000000},
	"gpu_memory_utilization": {Kind: KindFloat, Min: 0.1, Max: 1},
	"max_num_batched_tokens": {Kind: KindInt, Min: 1, Max: 100000},
	"max_num_seqs":           {Kind: KindInt, Min: 1, Max: 1000},
}

var llamaCppFlags = []Spec{
	{Name: "mmproj_path", Token: "--mmproj", Kind: KindPath},
	{Name: "context_length", Token: "-c", Kind: KindInt},
	{Name: "gpu_layers", Token: "-ngl", Kind: KindInt},
	{Name: "batch_size", Token: "-b", Kind: KindInt},
	{Name: "ubatch_size", Token: "-ub", Kind: KindInt},
	{Name: "repeat_penalty", Token: "--repeat-penalty", Kind: KindFloat},
	{Name: "top_p", Token: "--top-p", Kind: KindFloat},
	{Name: "top_k", Token: "--top-k", Kind: KindFloat},
	{Name: "temperature", Token: "--temp", Kind: KindFloat},
	{Name: "threads", Token: "-t", Kind: KindInt},
	{Name: "threads_batch", Token: "-tb", Kind: KindInt},
	{Name: "prio", Token: "--prio", Kind: KindInt},
	{Name: "poll", Token: "--poll", Kind: KindInt},
	{Name: "numa", Token: "--numa", Kind: KindString},
	{Name: "cpu_mask", Token: "-C", Kind: KindString},
	{Name: "cpu_strict", Token: "--cpu-strict", Kind: KindBool},
	{Name: "numa_mode", Token: "-d", Kind: KindString},
	{Name: "cache_type_k", Token: "-ctk", Kind: KindString},
	{Name: "cache_type_v", Token: "-ctv", Kind: KindString},
	{Name: "no_kv_offload", Token: "-nkvo", Kind: KindBool},
	{Name: "mmap", Token: "-mmp", Kind: KindBool},
	{Name: "direct_io", Token: "-dio", Kind: KindBool},
	{Name: "embeddings", Token: "-embd", Kind: KindBool},
	{Name: "cpu_moe", Token: "-ncmoe", Kind: KindInt},
	{Name: "no_op_offload", Token: "-nopo", Kind: KindBool},
	{Name: "kv_unified", Token: "-kvu", Kind: KindBool},
	{Name: "cache_ram", Token: "-cram", Kind: KindInt},
	{Name: "cache_reuse", Token: "--cache-reuse", Kind: KindInt},
	{Name: "split_mode", Token: "-sm", Kind: KindString},
	{Name: "tensor_split", Token: "-ts", Kind: KindString},
	{Name: "main_gpu", Token: "-mg", Kind: KindInt},
	{Name: "device", Token: "-dev", Kind: KindString},
	{Name: "override_tensor", Token: "-ot", Kind: KindString},
	{Name: "parallel", Token: "-np", Kind: KindInt},
	{Name: "no_cont_batching", Token: "-nocb", Kind: KindBool},
	{Name: "slot_prompt_similarity", Token: "-sps", Kind: KindFloat},
	{Name: "context_shift", Token: "--context-shift", Kind: KindBool},
	{Name: "ctx_checkpoints", Token: "--ctx-checkpoints", Kind: KindInt},
	{Name: "no_cache_prompt", Token: "--no-cache-prompt", Kind: KindBool},
	{Name: "swa_full", Token: "--swa-full", Kind: KindBool},
	{Name: "no_warmup", Token: "--no-warmup", Kind: KindBool},
	{Name: "fit", Token: "-fit", Kind: KindString},
	{Name: "override_kv", Token: "--override-kv", Kind: KindString},
	{Name: "min_p", Token: "--min-p", Kind: KindFloat},
	{Name: "presence_penalty", Token: "--presence-penalty", Kind: KindFloat},
	{Name: "frequency_penalty", Token: "--frequency-penalty", Kind: KindFloat},
	{Name: "seed", Token: "-s", Kind: KindInt},
	{Name: "predict", Token: "-n", Kind: KindInt},
	{Name: "mirostat", Token: "--mirostat", Kind: KindInt},
	{Name: "mirostat_lr", Token: "--mirostat-lr", Kind: KindFloat},
	{Name: "mirostat_ent", Token: "--mirostat-ent", Kind: KindFloat},
	{Name: "dynatemp_range", Token: "--dynatemp-range", Kind: KindFloat},
	{Name: "rope_scaling", Token: "--rope-scaling", Kind: KindString},
	{Name: "rope_scale", Token: "--rope-scale", Kind: KindFloat},
	{Name: "yarn_orig_ctx", Token: "--yarn-orig-ctx", Kind: KindInt},
	{Name: "yarn_ext_factor", Token: "--yarn-ext-factor", Kind: KindFloat},
	{Name: "lora", Token: "--lora", Kind: KindPath},
	{Name: "lora_scaled", Token: "--lora-scaled", Kind: KindString},
	{Name: "model_draft", Token: "-md", Kind: KindPath},
	{Name: "gpu_layers_draft", Token: "-ngld", Kind: KindInt},
	{Name: "draft_max", Token: "--draft", Kind: KindInt},
	{Name: "threads_draft", Token: "-td", Kind: KindInt},
	{Name: "chat_template", Token: "--chat-template", Kind: KindString},
	{Name: "chat_template_file", Token: "--chat-template-file", Kind: KindPath},
	{Name: "chat_template_kwargs", Token: "--chat-template-kwargs", Kind: KindString},
	{Name: "flash_attn", Token: "-fa", Kind: KindString},
	{Name: "jinja", Token: "--jinja", Kind: KindBool},
	{Name: "verbose", Token: "-v", Kind: KindBool},
	{Name: "log_verbosity", Token: "--log-verbosity", Kind: KindInt},
	{Name: "log_file", Token: "--log-file", Kind: KindString},
	{Name: "reasoning_format", Token: "--reasoning-format", Kind: KindString},
	{Name: "no_mmap", Token: "--no-mmap", Kind: KindBool},
	{Name: "rope_freq_base", Token: "--rope-freq-base", Kind: KindInt},
	{Name: "rope_freq_scale", Token: "--rope-freq-scale", Kind: KindFloat},
}

var vllmFlags = []Spec{
	{Name: "max_model_len", Token: "--max-model-len", Kind: KindInt},
	{Name: "gpu_memory_utilization", Token: "--gpu-memory-utilization", Kind: KindFloat},
	{Name: "swap_space", Token: "--swap-space", Kind: KindFloat},
	{Name: "cpu_offload_gb", Token: "--cpu-offload-gb", Kind: KindFloat},
	{Name: "quantization", Token: "--quantization", Kind: KindString},
	{Name: "dtype", Token: "--dtype", Kind: KindString},
	{Name: "kv_cache_dtype", Token: "--kv-cache-dtype", Kind: KindString},
	{Name: "max_num_batched_tokens", Token: "--max-num-batched-tokens", Kind: KindInt},
	{Name: "max_num_seqs", Token: "--max-num-seqs", Kind: KindInt},
	{Name: "max_num_partial_prefills", Token: "--max-num-partial-prefills", Kind: KindInt},
	{Name: "enable_chunked_prefill", Token: "--enable-chunked-prefill", Kind: KindBool},
	{Name: "enable_prefix_caching", Token: "--enable-prefix-caching", Kind: KindBool},
	{Name: "block_size", Token: "--block-size", Kind: KindInt},
	{Name: "tensor_parallel_size", Token: "--tensor-parallel-size", Kind: KindInt},
	{Name: "pipeline_parallel_size", Token: "--pipeline-parallel-size", Kind: KindInt},
	{Name: "load_format", Token: "--load-format", Kind: KindString},
	{Name: "trust_remote_code", Token: "--trust-remote-code", Kind: KindBool},
	{Name: "max_logprobs", Token: "--max-logprobs", Kind: KindInt},
	{Name: "seed", Token: "--seed", Kind: KindInt},
	{Name: "enable_lora", Token: "--enable-lora", Kind: KindBool},
	{Name: "max_loras", Token: "--max-loras", Kind: KindInt},
	{Name: "max_lora_rank", Token: "--max-lora-rank", Kind: KindInt},
	{Name: "limit_mm_per_prompt", Token: "--limit-mm-per-prompt", Kind: KindString},
	{Name: "enable_auto_tool_choice", Token: "--enable-auto-tool-choice", Kind: KindBool},
	{Name: "tool_call_parser", Token: "--tool-call-parser", Kind: KindString},
	{Name: "rope_scaling", Token: "--rope-scaling", Kind: KindString},
	{Name: "rope_theta", Token: "--rope-theta", Kind: KindFloat},
	{Name: "attention_backend", Token: "VLLM_ATTENTION_BACKEND", Kind: KindEnv},
	{Name: "scheduling_policy", Token: "--scheduling-policy", Kind: KindString},
	{Name: "preemption_mode", Token: "--preemption-mode", Kind: KindString},
}
