package request

type RegisterNode struct {
	Name      string `json:"name" validate:"required,slug"`
	CPUMillis int64  `json:"cpu_millis" validate:"omitempty,min=100,max=1024000"`
	MemoryMB  int64  `json:"memory_mb" validate:"omitempty,min=64,max=4194304"`
}
