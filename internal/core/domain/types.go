package domain

import (
	"context"
	"errors"
)

// ID types to prevent stringly-typed confusion
type WorkerID string

// HealthStatus represents the current state of a browser worker
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusStarting  HealthStatus = "STARTING"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusExited    HealthStatus = "EXITED"
)

// WorkerSpec defines how a browser worker should be spawned
type WorkerSpec struct {
	Image       string            `json:"image"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env"`
	ResourceCPU float64           `json:"resource_cpu"` // 0.5 = 50% core
	ResourceMem int64             `json:"resource_mem"` // in bytes
}

// Worker represents a running browser worker instance
type Worker struct {
	ID       WorkerID          `json:"id"`
	Spec     WorkerSpec        `json:"spec"`
	Status   HealthStatus      `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

var (
	ErrWorkerNotFound = errors.New("worker not found")
)

// LLMProvider defines the interface for the external reasoning service
type LLMProvider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
