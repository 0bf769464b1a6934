package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".nlq/config.yaml"

// Hint styles for static-context sections.
const (
	HintSQLComment = "sql_comment"
	HintProse      = "prose"
	HintJSON       = "json"
)

// Prompt section framing.
const (
	StructureSQL      = "sql"
	StructureMarkdown = "markdown"
)

// Duration is a time.Duration that unmarshals from "30s"-style YAML strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type PromptFormat struct {
	Structure         string `yaml:"structure"`
	IncludeSampleRows bool   `yaml:"include_sample_rows"`
	SampleRowCount    int    `yaml:"sample_row_count"`
	HintStyle         string `yaml:"hint_style"`
	ResponsePrefix    string `yaml:"response_prefix"`
}

type LLMConfig struct {
	Provider     string       `yaml:"provider"`
	Model        string       `yaml:"model"`
	APIKey       string       `yaml:"api_key"`
	BaseURL      string       `yaml:"base_url"`
	MaxTokens    int          `yaml:"max_tokens"`
	Temperature  float64      `yaml:"temperature"`
	Timeout      Duration     `yaml:"timeout"`
	PromptFormat PromptFormat `yaml:"prompt_format"`
}

// DatabaseConfig points at an existing SQLite file, or at a Parquet or CSV
// file exposed under ViewName.
type DatabaseConfig struct {
	DBPath      string `yaml:"db_path"`
	TableName   string `yaml:"table_name"`
	ParquetPath string `yaml:"parquet_path"`
	CSVPath     string `yaml:"csv_path"`
	ViewName    string `yaml:"view_name"`
}

type AutoQuery struct {
	Label string `yaml:"label"`
	Query string `yaml:"query"`
}

type StaticSection struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

type ReferenceData struct {
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

type SemanticLayer struct {
	AutoQueries   []AutoQuery     `yaml:"auto_queries"`
	StaticContext []StaticSection `yaml:"static_context"`
	ReferenceData []ReferenceData `yaml:"reference_data"`
}

type ToolConfig struct {
	Name             string         `yaml:"-"`
	Description      string         `yaml:"description"`
	LLM              LLMConfig      `yaml:"llm"`
	Database         DatabaseConfig `yaml:"database"`
	MaxRetries       int            `yaml:"max_retries"`
	ExecutionTimeout Duration       `yaml:"execution_timeout"`
	MaxResultRows    int            `yaml:"max_result_rows"`
	SemanticLayer    SemanticLayer  `yaml:"semantic_layer"`
}

type QueryLogConfig struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueGroup    string `yaml:"queue_group"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Tools    map[string]*ToolConfig `yaml:"tools"`
	QueryLog QueryLogConfig         `yaml:"query_log"`
	Server   ServerConfig           `yaml:"server"`
	NATS     NATSConfig             `yaml:"nats"`
	Log      LogConfig              `yaml:"log"`
}

// Load loads YAML config, then applies env overrides and defaults.
// A missing file yields an empty tool set, which Validate rejects.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	for name, t := range cfg.Tools {
		if t == nil {
			t = &ToolConfig{}
			cfg.Tools[name] = t
		}
		t.Name = name
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.QueryLog.Path == "" {
		c.QueryLog.Path = "~/.nlq/query_log.db"
	}
	c.QueryLog.Path = ExpandPath(c.QueryLog.Path)
	if c.QueryLog.QueueSize == 0 {
		c.QueryLog.QueueSize = 256
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "nlq"
	}
	if c.NATS.QueueGroup == "" {
		c.NATS.QueueGroup = "nlq"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for _, t := range c.Tools {
		t.SetDefaults()
	}
}

func (t *ToolConfig) SetDefaults() {
	if t.LLM.Provider == "" {
		t.LLM.Provider, t.LLM.Model = splitModel(t.LLM.Model)
	}
	if t.LLM.Provider == "" {
		t.LLM.Provider = "openai"
	}
	if t.LLM.MaxTokens == 0 {
		t.LLM.MaxTokens = 1024
	}
	if t.LLM.Timeout == 0 {
		t.LLM.Timeout = Duration(60 * time.Second)
	}
	pf := &t.LLM.PromptFormat
	if pf.Structure == "" {
		pf.Structure = StructureSQL
	}
	if pf.HintStyle == "" {
		pf.HintStyle = HintSQLComment
	}
	if pf.SampleRowCount == 0 {
		pf.SampleRowCount = 3
	}
	if (t.Database.CSVPath != "" || t.Database.ParquetPath != "") && t.Database.ViewName == "" {
		t.Database.ViewName = "data"
	}
	if t.ExecutionTimeout == 0 {
		t.ExecutionTimeout = Duration(30 * time.Second)
	}
	if t.MaxResultRows == 0 {
		t.MaxResultRows = 1000
	}
	t.Database.DBPath = ExpandPath(t.Database.DBPath)
	t.Database.CSVPath = ExpandPath(t.Database.CSVPath)
	t.Database.ParquetPath = ExpandPath(t.Database.ParquetPath)
	for i := range t.SemanticLayer.ReferenceData {
		t.SemanticLayer.ReferenceData[i].Path = ExpandPath(t.SemanticLayer.ReferenceData[i].Path)
	}
}

// splitModel accepts "provider/model" identifiers.
func splitModel(model string) (string, string) {
	provider, rest, ok := strings.Cut(model, "/")
	if !ok {
		return "", model
	}
	switch provider {
	case "openai", "anthropic", "gemini", "ollama", "openrouter":
		return provider, rest
	}
	return "", model
}

// ToolNames returns configured tool names in sorted order.
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	if len(c.Tools) == 0 {
		return errors.New("tools: at least one tool must be configured")
	}
	var errs []error
	for _, name := range c.ToolNames() {
		if err := c.Tools[name].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.QueryLog.QueueSize < 0 {
		errs = append(errs, errors.New("query_log.queue_size: must be >= 0"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

func (t *ToolConfig) Validate() error {
	prefix := "tools." + t.Name
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s.%s: %s", prefix, field, fmt.Sprintf(format, args...)))
	}

	switch t.LLM.Provider {
	case "openai", "ollama", "openrouter", "anthropic", "gemini":
	default:
		fail("llm.provider", "unknown provider %q", t.LLM.Provider)
	}
	if strings.TrimSpace(t.LLM.Model) == "" {
		fail("llm.model", "cannot be empty")
	}
	if t.LLM.MaxTokens < 0 {
		fail("llm.max_tokens", "must be >= 0")
	}
	pf := t.LLM.PromptFormat
	switch pf.HintStyle {
	case HintSQLComment, HintProse, HintJSON:
	default:
		fail("llm.prompt_format.hint_style", "must be one of %s, %s, %s", HintSQLComment, HintProse, HintJSON)
	}
	switch pf.Structure {
	case StructureSQL, StructureMarkdown:
	default:
		fail("llm.prompt_format.structure", "must be one of %s, %s", StructureSQL, StructureMarkdown)
	}
	if pf.SampleRowCount < 0 {
		fail("llm.prompt_format.sample_row_count", "must be >= 0")
	}

	sources := 0
	for _, p := range []string{t.Database.DBPath, t.Database.ParquetPath, t.Database.CSVPath} {
		if strings.TrimSpace(p) != "" {
			sources++
		}
	}
	switch {
	case sources > 1:
		fail("database", "set only one of db_path, parquet_path or csv_path")
	case sources == 0:
		fail("database", "must specify one of db_path, parquet_path or csv_path")
	}

	if t.MaxRetries < 0 {
		fail("max_retries", "must be >= 0")
	}
	if t.MaxResultRows < 0 {
		fail("max_result_rows", "must be >= 0")
	}

	labels := make(map[string]string)
	for i, q := range t.SemanticLayer.AutoQueries {
		if strings.TrimSpace(q.Query) == "" {
			fail(fmt.Sprintf("semantic_layer.auto_queries[%d].query", i), "cannot be empty")
		}
		if q.Label == "" {
			continue
		}
		if prev, ok := labels[q.Label]; ok {
			fail(fmt.Sprintf("semantic_layer.auto_queries[%d].label", i), "duplicate label %q (also %s)", q.Label, prev)
			continue
		}
		labels[q.Label] = fmt.Sprintf("auto_queries[%d]", i)
	}
	for i, r := range t.SemanticLayer.ReferenceData {
		if strings.TrimSpace(r.Path) == "" {
			fail(fmt.Sprintf("semantic_layer.reference_data[%d].path", i), "cannot be empty")
		}
		if r.Label == "" {
			fail(fmt.Sprintf("semantic_layer.reference_data[%d].label", i), "cannot be empty")
			continue
		}
		if prev, ok := labels[r.Label]; ok {
			fail(fmt.Sprintf("semantic_layer.reference_data[%d].label", i), "duplicate label %q (also %s)", r.Label, prev)
			continue
		}
		labels[r.Label] = fmt.Sprintf("reference_data[%d]", i)
	}
	for i, s := range t.SemanticLayer.StaticContext {
		if strings.TrimSpace(s.Body) == "" {
			fail(fmt.Sprintf("semantic_layer.static_context[%d].body", i), "cannot be empty")
		}
	}
	return errors.Join(errs...)
}

// GeneratorID identifies the backend in the query log, e.g. "openai/gpt-4o".
func (l LLMConfig) GeneratorID() string {
	return l.Provider + "/" + l.Model
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func applyEnvOverrides(c *Config) {
	if key, ok := os.LookupEnv("NLQ_LLM_API_KEY"); ok {
		for _, t := range c.Tools {
			if t.LLM.APIKey == "" {
				t.LLM.APIKey = key
			}
		}
	}
	setString(&c.QueryLog.Path, "NLQ_QUERY_LOG_PATH")
	setString(&c.Server.Host, "NLQ_SERVER_HOST")
	setInt(&c.Server.Port, "NLQ_SERVER_PORT")
	setString(&c.NATS.URL, "NLQ_NATS_URL")
	setString(&c.Log.Level, "NLQ_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
