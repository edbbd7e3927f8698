// Package instance provides single-instance enforcement and PID-file
// management for the coordinatord daemon: only one daemon should hold a
// given data directory at a time, since two processes writing to the
// same coordination store would race on its file lock. Grounded on the
// teacher's internal/instance/manager.go (PID-file JSON shape,
// CheckExistingInstance/WritePIDFile/ReadPIDFile flow) and port.go
// (IsPortAvailable/HealthCheck/WaitForPortToBeAvailable), with the
// Windows-only process-query API (internal/instance/windows.go)
// replaced by a portable liveness check since the daemon targets any
// OS the Go toolchain supports, not Windows specifically.
package instance

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// PIDFileData is the JSON structure written to the PID file.
type PIDFileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	BasePath  string    `json:"base_path"`
	Hostname  string    `json:"hostname"`
}

// Info describes the result of checking for an existing instance.
type Info struct {
	PID          int
	Port         int
	StartedAt    time.Time
	IsRunning    bool
	IsResponding bool
}

// Manager guards a single data directory against concurrent daemons.
type Manager struct {
	pidFilePath string
	port        int
}

func NewManager(pidFilePath string, port int) *Manager {
	return &Manager{pidFilePath: pidFilePath, port: port}
}

// CheckExisting reports whether a live instance already owns this PID
// file, clearing the file if it is stale (process gone or PID reused).
func (m *Manager) CheckExisting() (*Info, error) {
	data, err := m.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read PID file: %w", err)
	}

	if !processAlive(data.PID) {
		m.RemovePIDFile()
		return nil, nil
	}

	return &Info{
		PID:          data.PID,
		Port:         data.Port,
		StartedAt:    data.StartedAt,
		IsRunning:    true,
		IsResponding: HealthCheck(data.Port) == nil,
	}, nil
}

func (m *Manager) WritePIDFile(basePath string) error {
	hostname, _ := os.Hostname()
	data := PIDFileData{
		PID:       os.Getpid(),
		Port:      m.port,
		StartedAt: time.Now(),
		BasePath:  basePath,
		Hostname:  hostname,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal PID data: %w", err)
	}
	return os.WriteFile(m.pidFilePath, b, 0o644)
}

func (m *Manager) readPIDFile() (*PIDFileData, error) {
	b, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data PIDFileData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PID file: %w", err)
	}
	return &data, nil
}

func (m *Manager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// processAlive sends the null signal to pid, which on every supported
// platform checks existence and permission without affecting the
// process, in place of the teacher's Windows-only OpenProcess call.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsPortAvailable reports whether a TCP port is free to bind.
func IsPortAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// HealthCheck performs an HTTP GET against a running daemon's /healthz.
func HealthCheck(port int) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// WaitForHealthy polls the health endpoint until it responds or timeout.
func WaitForHealthy(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if HealthCheck(port) == nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
