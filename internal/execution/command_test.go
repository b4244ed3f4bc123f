package execution

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ent0n29/jobcore/internal/jobspec"
)

func testSpec() jobspec.Spec {
	return jobspec.Spec{
		Kind:      jobspec.KindLoRA,
		BaseModel: "m",
		DatasetID: "d",
		Training:  jobspec.Training{Epochs: 1},
		LoRA:      &jobspec.LoRAParams{Rank: 4},
		Extra:     map[string]string{"mixed_precision": "bf16", "--cache_latents": ""},
	}
}

func testBuilder(root string) *Builder {
	b := NewBuilder(StaticResolver{
		PythonPath: "/usr/bin/python3",
		Scripts:    map[jobspec.Kind]string{jobspec.KindLoRA: "scripts/train_lora.py"},
		Root:       root,
	})
	b.baseEnv = func() []string { return []string{"PATH=/usr/bin", "HF_TOKEN=secret"} }
	return b
}

func TestBuildCommand(t *testing.T) {
	root := t.TempDir()
	cmd, err := testBuilder(root).Build("t1", testSpec())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	paths := Layout(root, "t1")
	want := []string{
		"/usr/bin/python3", "-u", "scripts/train_lora.py",
		"--config", paths.ConfigFile,
		"--output_dir", paths.OutputDir,
		"--metrics_file", paths.MetricsFile,
		"--cache_latents",
		"--mixed_precision", "bf16",
	}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("Args = %v, want %v", cmd.Args, want)
	}
	if cmd.Dir != filepath.Join(root, "t1") {
		t.Fatalf("Dir = %q, want task dir", cmd.Dir)
	}
	if v, ok := cmd.LookupEnv("JOBCORE_TASK_ID"); !ok || v != "t1" {
		t.Fatalf("JOBCORE_TASK_ID = %q, %v", v, ok)
	}
	if v, _ := cmd.LookupEnv("PYTHONUNBUFFERED"); v != "1" {
		t.Fatalf("PYTHONUNBUFFERED = %q, want 1", v)
	}
}

func TestBuildRejectsReservedAndMissingEngine(t *testing.T) {
	spec := testSpec()
	spec.Extra = map[string]string{"output_dir": "/elsewhere"}
	if _, err := testBuilder(t.TempDir()).Build("t1", spec); !errors.Is(err, jobspec.ErrInvalidSpec) {
		t.Fatalf("Build(reserved arg) error = %v, want ErrInvalidSpec", err)
	}

	ft := jobspec.Spec{Kind: jobspec.KindFinetune, BaseModel: "m", DatasetID: "d", Training: jobspec.Training{Epochs: 1}, Finetune: &jobspec.FinetuneParams{}}
	if _, err := testBuilder(t.TempDir()).Build("t1", ft); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Build(finetune) error = %v, want ErrNoEngine", err)
	}
}

func TestCommandWithEnvReplaces(t *testing.T) {
	cmd := Command{Env: []string{"HF_ENDPOINT=https://a", "X=1"}}
	next := cmd.WithEnv("HF_ENDPOINT", "https://b")
	if v, _ := next.LookupEnv("HF_ENDPOINT"); v != "https://b" {
		t.Fatalf("HF_ENDPOINT = %q, want https://b", v)
	}
	if len(next.Env) != 2 {
		t.Fatalf("Env = %v, want 2 entries", next.Env)
	}
	if v, _ := cmd.LookupEnv("HF_ENDPOINT"); v != "https://a" {
		t.Fatalf("original command mutated: %q", v)
	}
}

func TestCommandStringRedacts(t *testing.T) {
	cmd := Command{Args: []string{"python", "train.py", "--hub_token=hf_abcdefghijklmnopqrstuvwxyz0123"}}
	if strings.Contains(cmd.String(), "hf_abcdefghij") {
		t.Fatalf("String() leaks token: %q", cmd.String())
	}
}
