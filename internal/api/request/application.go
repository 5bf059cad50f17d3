package request

type CreateApplication struct {
	Name      string            `json:"name" validate:"required,slug"`
	Image     string            `json:"image" validate:"required,max=512"`
	Env       map[string]string `json:"env" validate:"omitempty,max=128"`
	CPUMillis int64             `json:"cpu_millis" validate:"omitempty,min=10,max=1024000"`
	MemoryMB  int64             `json:"memory_mb" validate:"omitempty,min=4,max=4194304"`
	PortCount int               `json:"port_count" validate:"omitempty,min=0,max=16"`
}
