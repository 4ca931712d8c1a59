package models

// HostInfo describes the machine the optimizer or generator runs on
type HostInfo struct {
	CPUModel          string `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads        int    `json:"cpu_threads" yaml:"cpu_threads"`
	RAMTotalBytes     uint64 `json:"ram_total_bytes" yaml:"ram_total_bytes"`
	RAMAvailableBytes uint64 `json:"ram_available_bytes" yaml:"ram_available_bytes"`
	HasGPU            bool   `json:"has_gpu" yaml:"has_gpu"`
	GPUType           string `json:"gpu_type,omitempty" yaml:"gpu_type,omitempty"`
	OS                string `json:"os" yaml:"os"`
	Architecture      string `json:"architecture" yaml:"architecture"`
}

// RuntimeVersions holds the installed versions of the external numeric libraries
type RuntimeVersions struct {
	OnnxRuntime string `json:"onnxruntime" yaml:"onnxruntime"`
	Protobuf    string `json:"protobuf" yaml:"protobuf"`
}
