package jobspec

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// EngineConfig is the TOML file handed to the training engine via --config.
type EngineConfig struct {
	Model    EngineModel     `toml:"model"`
	Dataset  EngineDataset   `toml:"dataset"`
	Training Training        `toml:"training"`
	Network  *LoRAParams     `toml:"network,omitempty"`
	Finetune *FinetuneParams `toml:"finetune,omitempty"`
	Output   EngineOutput    `toml:"output"`
}

type EngineModel struct {
	Kind      string `toml:"kind"`
	BaseModel string `toml:"base_model"`
}

type EngineDataset struct {
	ID    string   `toml:"id"`
	Root  string   `toml:"root,omitempty"`
	Files []string `toml:"files"`
}

type EngineOutput struct {
	Name        string `toml:"name"`
	Dir         string `toml:"dir"`
	MetricsFile string `toml:"metrics_file"`
}

// BuildEngineConfig renders the engine view of a validated spec.
func BuildEngineConfig(s Spec, datasetRoot string, files []string, outputDir, metricsFile string) EngineConfig {
	name := s.Name
	if name == "" {
		name = string(s.Kind)
	}
	cfg := EngineConfig{
		Model:    EngineModel{Kind: string(s.Kind), BaseModel: s.BaseModel},
		Dataset:  EngineDataset{ID: s.DatasetID, Root: datasetRoot, Files: append([]string{}, files...)},
		Training: s.Training,
		Output:   EngineOutput{Name: name, Dir: outputDir, MetricsFile: metricsFile},
	}
	switch s.Kind {
	case KindLoRA:
		p := *s.LoRA
		cfg.Network = &p
	case KindFinetune:
		p := *s.Finetune
		cfg.Finetune = &p
	}
	return cfg
}

func EncodeEngineConfig(cfg EngineConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode engine config: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteEngineConfig(path string, cfg EngineConfig) error {
	raw, err := EncodeEngineConfig(cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw)
}

// ReadEngineConfig decodes a config file written by WriteEngineConfig.
func ReadEngineConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode engine config: %w", err)
	}
	return cfg, nil
}
