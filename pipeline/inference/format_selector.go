package inference

import (
	"strings"

	"github.com/fleet-telemetry/pipeline/types"
)

// Model serialization formats
const (
	FormatSafetensors = "safetensors"
	FormatTensorRT    = "tensorrt"
	FormatGGUF        = "gguf"
	FormatONNX        = "onnx"

	DefaultFormat = FormatSafetensors
)

// LifecycleTable maps a deployment stage to its recommended format
var LifecycleTable = map[string]string{
	"research":   FormatSafetensors,
	"production": FormatTensorRT,
	"local":      FormatGGUF,
	"sharing":    FormatSafetensors,
	"portable":   FormatONNX,
}

// HardwareOverrides replace the stage default for specific hardware hints
var HardwareOverrides = map[string]map[string]string{
	"production": {
		"cpu":   FormatONNX,
		"mixed": FormatONNX,
	},
	"local": {
		"mixed": FormatONNX,
	},
}

// FormatRationale explains each format choice
var FormatRationale = map[string]string{
	FormatSafetensors: "Safe, zero-copy tensor storage with no arbitrary code execution; the standard for research checkpoints and sharing weights.",
	FormatTensorRT:    "Compiled, kernel-fused engine for NVIDIA GPUs with the lowest latency and highest throughput in production serving.",
	FormatGGUF:        "Single-file quantized format for llama.cpp style runtimes; fits laptops and edge devices with limited memory.",
	FormatONNX:        "Hardware-neutral graph format that runs on CPUs, GPUs and accelerators through ONNX Runtime execution providers.",
}

// SelectFormat picks the serialization format for a lifecycle stage and
// hardware hint. Unknown stages fall back to DefaultFormat.
func SelectFormat(stage, hardware string) types.FormatDecision {
	stage = strings.ToLower(strings.TrimSpace(stage))
	hardware = strings.ToLower(strings.TrimSpace(hardware))

	format, ok := LifecycleTable[stage]
	if !ok {
		format = DefaultFormat
	}
	if byHW, ok := HardwareOverrides[stage]; ok {
		if f, ok := byHW[hardware]; ok {
			format = f
		}
	}

	return types.FormatDecision{Format: format, Rationale: FormatRationale[format]}
}

// Stages returns the known lifecycle stages in a stable order
func Stages() []string {
	return []string{"research", "production", "local", "sharing", "portable"}
}
