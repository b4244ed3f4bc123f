package execution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ent0n29/jobcore/internal/jobspec"
	"github.com/ent0n29/jobcore/internal/policy"
)

var ErrNoEngine = errors.New("no engine configured for job kind")

// PathResolver locates the engine and the per-task directories.
type PathResolver interface {
	Python() string
	EngineScript(kind jobspec.Kind) (string, error)
	WorkDir() string
	TaskRoot() string
}

// StaticResolver is a PathResolver backed by fixed settings.
type StaticResolver struct {
	PythonPath string
	Scripts    map[jobspec.Kind]string
	Dir        string
	Root       string
}

func (r StaticResolver) Python() string { return r.PythonPath }

func (r StaticResolver) EngineScript(kind jobspec.Kind) (string, error) {
	script := strings.TrimSpace(r.Scripts[kind])
	if script == "" {
		return "", fmt.Errorf("%w: %s", ErrNoEngine, kind)
	}
	return script, nil
}

func (r StaticResolver) WorkDir() string  { return r.Dir }
func (r StaticResolver) TaskRoot() string { return r.Root }

// TaskPaths is the on-disk layout of one task.
type TaskPaths struct {
	Dir         string
	SpecFile    string
	ConfigFile  string
	LogFile     string
	MetricsFile string
	OutputDir   string
}

func Layout(taskRoot, taskID string) TaskPaths {
	dir := filepath.Join(taskRoot, taskID)
	return TaskPaths{
		Dir:         dir,
		SpecFile:    filepath.Join(dir, "job.yaml"),
		ConfigFile:  filepath.Join(dir, "config.toml"),
		LogFile:     filepath.Join(dir, "train.log"),
		MetricsFile: filepath.Join(dir, "metrics.jsonl"),
		OutputDir:   filepath.Join(dir, "output"),
	}
}

// Command is a fully resolved subprocess invocation. Args[0] is the program.
type Command struct {
	Args []string
	Dir  string
	Env  []string
}

// WithEnv returns a copy with key set, replacing any earlier value.
func (c Command) WithEnv(key, value string) Command {
	out := Command{
		Args: append([]string(nil), c.Args...),
		Dir:  c.Dir,
		Env:  make([]string, 0, len(c.Env)+1),
	}
	prefix := key + "="
	for _, kv := range c.Env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out.Env = append(out.Env, kv)
	}
	out.Env = append(out.Env, prefix+value)
	return out
}

// LookupEnv returns the last value set for key.
func (c Command) LookupEnv(key string) (string, bool) {
	prefix := key + "="
	for i := len(c.Env) - 1; i >= 0; i-- {
		if strings.HasPrefix(c.Env[i], prefix) {
			return strings.TrimPrefix(c.Env[i], prefix), true
		}
	}
	return "", false
}

// String renders argv for logs with secrets masked.
func (c Command) String() string {
	return strings.Join(policy.RedactArgv(c.Args), " ")
}

type Builder struct {
	resolver PathResolver
	baseEnv  func() []string
}

func NewBuilder(resolver PathResolver) *Builder {
	return &Builder{resolver: resolver, baseEnv: os.Environ}
}

// Build turns a validated spec into the engine invocation for taskID.
func (b *Builder) Build(taskID string, spec jobspec.Spec) (Command, error) {
	if err := spec.Validate(); err != nil {
		return Command{}, err
	}
	if d := policy.DecideEngineArgs(spec.Extra); d.Blocked {
		return Command{}, fmt.Errorf("%w: %s", jobspec.ErrInvalidSpec, d.Reason)
	}
	script, err := b.resolver.EngineScript(spec.Kind)
	if err != nil {
		return Command{}, err
	}
	python := strings.TrimSpace(b.resolver.Python())
	if python == "" {
		python = "python3"
	}
	paths := Layout(b.resolver.TaskRoot(), taskID)

	args := []string{
		python, "-u", script,
		"--config", paths.ConfigFile,
		"--output_dir", paths.OutputDir,
		"--metrics_file", paths.MetricsFile,
	}
	keys := make([]string, 0, len(spec.Extra))
	for k := range spec.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimLeft(strings.TrimSpace(k), "-")
		if v := spec.Extra[k]; v != "" {
			args = append(args, "--"+name, v)
		} else {
			args = append(args, "--"+name)
		}
	}

	dir := strings.TrimSpace(b.resolver.WorkDir())
	if dir == "" {
		dir = paths.Dir
	}
	env := append([]string(nil), b.baseEnv()...)
	cmd := Command{Args: args, Dir: dir, Env: env}
	cmd = cmd.WithEnv("PYTHONUNBUFFERED", "1")
	cmd = cmd.WithEnv("JOBCORE_TASK_ID", taskID)
	return cmd, nil
}
