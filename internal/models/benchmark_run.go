package models

import "time"

// BenchmarkRun is one llama-bench invocation against a registered service.
type BenchmarkRun struct {
	ID           string   `gorm:"primaryKey;size:36"`
	ServiceName  string   `gorm:"size:128;not null;index"`
	ModelPath    string   `gorm:"size:1024;not null"`
	Status       string   `gorm:"size:16;not null;default:pending;index"`
	ParamsJSON   string   `gorm:"column:params_json;type:text"`
	PPAvgTS      *float64 `gorm:"column:pp_avg_ts"`
	PPStddevTS   *float64 `gorm:"column:pp_stddev_ts"`
	TGAvgTS      *float64 `gorm:"column:tg_avg_ts"`
	TGStddevTS   *float64 `gorm:"column:tg_stddev_ts"`
	RawOutput    string   `gorm:"type:text"`
	ErrorMessage string   `gorm:"type:text"`
	BuildCommit  string   `gorm:"size:64"`
	ModelType    string   `gorm:"size:256"`
	ModelSize    *int64
	ModelNParams *int64
	GPUInfo      string    `gorm:"column:gpu_info;size:512"`
	CPUInfo      string    `gorm:"column:cpu_info;size:512"`
	CreatedAt    time.Time `gorm:"index"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
