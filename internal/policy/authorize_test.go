package policy

import "testing"

func TestDecideEngineArgs(t *testing.T) {
	cases := []struct {
		name    string
		extra   map[string]string
		blocked bool
	}{
		{"empty", nil, false},
		{"plain", map[string]string{"mixed_precision": "bf16", "noise_offset": "0.05"}, false},
		{"leading dashes", map[string]string{"--gradient_accumulation_steps": "4"}, false},
		{"reserved", map[string]string{"output_dir": "/tmp/x"}, true},
		{"reserved dashed", map[string]string{"--output-dir": "/tmp/x"}, true},
		{"shell", map[string]string{"caption_extension": ".txt; rm -rf /"}, true},
		{"traversal", map[string]string{"sample_prompts": "../../etc/passwd"}, true},
		{"bad name", map[string]string{"a b": "1"}, true},
		{"secret file", map[string]string{"prompts": "/home/u/.netrc"}, true},
	}
	for _, tc := range cases {
		got := DecideEngineArgs(tc.extra)
		if got.Blocked != tc.blocked {
			t.Fatalf("%s: Blocked = %v, want %v (reason %q)", tc.name, got.Blocked, tc.blocked, got.Reason)
		}
		if got.Blocked && got.Reason == "" {
			t.Fatalf("%s: blocked without reason", tc.name)
		}
	}
}
