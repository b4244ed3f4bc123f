package jobspec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidSpec = errors.New("invalid job spec")

// Kind selects which variant of Spec is populated.
type Kind string

const (
	KindLoRA     Kind = "lora"
	KindFinetune Kind = "finetune"
)

// Spec is the typed job configuration. Exactly one of LoRA or Finetune is set,
// matching Kind.
type Spec struct {
	Kind      Kind              `yaml:"kind" json:"kind"`
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	BaseModel string            `yaml:"base_model" json:"base_model"`
	DatasetID string            `yaml:"dataset_id" json:"dataset_id"`
	Training  Training          `yaml:"training" json:"training"`
	LoRA      *LoRAParams       `yaml:"lora,omitempty" json:"lora,omitempty"`
	Finetune  *FinetuneParams   `yaml:"finetune,omitempty" json:"finetune,omitempty"`
	Extra     map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

type Training struct {
	Epochs       int     `yaml:"epochs,omitempty" json:"epochs,omitempty" toml:"epochs,omitempty"`
	MaxSteps     int     `yaml:"max_steps,omitempty" json:"max_steps,omitempty" toml:"max_steps,omitempty"`
	BatchSize    int     `yaml:"batch_size,omitempty" json:"batch_size,omitempty" toml:"batch_size,omitempty"`
	LearningRate float64 `yaml:"learning_rate,omitempty" json:"learning_rate,omitempty" toml:"learning_rate,omitempty"`
	Resolution   int     `yaml:"resolution,omitempty" json:"resolution,omitempty" toml:"resolution,omitempty"`
	Seed         int64   `yaml:"seed,omitempty" json:"seed,omitempty" toml:"seed,omitempty"`
	SaveEvery    int     `yaml:"save_every,omitempty" json:"save_every,omitempty" toml:"save_every,omitempty"`
	Precision    string  `yaml:"precision,omitempty" json:"precision,omitempty" toml:"precision,omitempty"`
}

type LoRAParams struct {
	Rank          int      `yaml:"rank" json:"rank" toml:"rank"`
	Alpha         float64  `yaml:"alpha,omitempty" json:"alpha,omitempty" toml:"alpha,omitempty"`
	Dropout       float64  `yaml:"dropout,omitempty" json:"dropout,omitempty" toml:"dropout,omitempty"`
	TargetModules []string `yaml:"target_modules,omitempty" json:"target_modules,omitempty" toml:"target_modules,omitempty"`
}

type FinetuneParams struct {
	TrainTextEncoder      bool `yaml:"train_text_encoder,omitempty" json:"train_text_encoder,omitempty" toml:"train_text_encoder"`
	GradientCheckpointing bool `yaml:"gradient_checkpointing,omitempty" json:"gradient_checkpointing,omitempty" toml:"gradient_checkpointing"`
	EMA                   bool `yaml:"ema,omitempty" json:"ema,omitempty" toml:"ema"`
}

// Validate checks structure only: the variant matches Kind, identifiers are
// present and numbers are not negative. Hyperparameter ranges are the
// engine's business.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindLoRA:
		if s.LoRA == nil {
			return fmt.Errorf("%w: kind lora requires a lora section", ErrInvalidSpec)
		}
		if s.Finetune != nil {
			return fmt.Errorf("%w: kind lora must not carry a finetune section", ErrInvalidSpec)
		}
		if s.LoRA.Rank <= 0 {
			return fmt.Errorf("%w: lora.rank must be positive", ErrInvalidSpec)
		}
		if s.LoRA.Alpha < 0 || s.LoRA.Dropout < 0 {
			return fmt.Errorf("%w: lora.alpha and lora.dropout must not be negative", ErrInvalidSpec)
		}
	case KindFinetune:
		if s.Finetune == nil {
			return fmt.Errorf("%w: kind finetune requires a finetune section", ErrInvalidSpec)
		}
		if s.LoRA != nil {
			return fmt.Errorf("%w: kind finetune must not carry a lora section", ErrInvalidSpec)
		}
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidSpec)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}

	if strings.TrimSpace(s.BaseModel) == "" {
		return fmt.Errorf("%w: base_model is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.DatasetID) == "" {
		return fmt.Errorf("%w: dataset_id is required", ErrInvalidSpec)
	}
	t := s.Training
	if t.Epochs < 0 || t.MaxSteps < 0 || t.BatchSize < 0 || t.LearningRate < 0 || t.Resolution < 0 || t.SaveEvery < 0 {
		return fmt.Errorf("%w: training values must not be negative", ErrInvalidSpec)
	}
	if t.Epochs == 0 && t.MaxSteps == 0 {
		return fmt.Errorf("%w: one of training.epochs or training.max_steps is required", ErrInvalidSpec)
	}
	return nil
}

// Parse decodes YAML and validates the result. Unknown fields are rejected.
func Parse(raw []byte) (Spec, error) {
	var s Spec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read job spec: %w", err)
	}
	return Parse(raw)
}

// Save writes the spec as YAML atomically.
func Save(path string, s Spec) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	return writeFileAtomic(path, raw)
}

func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
