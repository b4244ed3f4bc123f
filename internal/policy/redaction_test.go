package policy

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	input := "HF_TOKEN=hf_abcdefghijklmnopqrstuvwxyz123456 pushing to https://user:pw@hub.example.com/x as sam@example.com"
	out, changed := RedactSecrets(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, leaked := range []string{"hf_abcdefghijklmnopqrstuvwxyz123456", "user:pw", "sam@example.com"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("output leaks %q: %q", leaked, out)
		}
	}
	if !strings.Contains(out, "https://[REDACTED]@hub.example.com/x") {
		t.Fatalf("url credentials not masked in place: %q", out)
	}
}

func TestRedactSecretsLeavesPlainOutput(t *testing.T) {
	line := "step 10/100 loss=0.123 lr=1e-4"
	out, changed := RedactSecrets(line)
	if changed || out != line {
		t.Fatalf("RedactSecrets(%q) = (%q, %v), want unchanged", line, out, changed)
	}
}

func TestRedactEnv(t *testing.T) {
	env := []string{"HF_ENDPOINT=https://hf-mirror.com", "HF_TOKEN=abc", "WANDB_API_KEY=xyz", "PATH=/usr/bin"}
	out := RedactEnv(env)
	want := []string{"HF_ENDPOINT=https://hf-mirror.com", "HF_TOKEN=[REDACTED]", "WANDB_API_KEY=[REDACTED]", "PATH=/usr/bin"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("RedactEnv()[%d] = %q, want %q", i, out[i], want[i])
		}
	}
	if env[1] != "HF_TOKEN=abc" {
		t.Fatalf("input slice was modified")
	}
}

func TestRedactArgv(t *testing.T) {
	out := RedactArgv([]string{"python", "train.py", "--hub_token=hf_abcdefghijklmnopqrstuvwxyz123456"})
	if strings.Contains(out[2], "hf_abc") {
		t.Fatalf("argv token not redacted: %q", out[2])
	}
}
