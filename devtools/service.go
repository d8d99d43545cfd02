// Package devtools provides a Devtools service for inspecting a running
// server.
package devtools

import (
	"context"
	"runtime"
	"sort"

	"github.com/broady/modelrpc"
)

// Service provides devtools methods. Register it on your App to enable
// them:
//
//	devtools.New(app, "v0.1.0").Register()
type Service struct {
	app     *modelrpc.App
	version string
}

// New creates a new devtools service. version is reported by Info.
func New(app *modelrpc.App, version string) *Service {
	return &Service{app: app, version: version}
}

// Register adds the Devtools service to the app.
func (s *Service) Register() {
	svc := s.app.Service("Devtools")
	svc.Register("Ping", modelrpc.Unary(s.Ping, modelrpc.Idempotent()))
	svc.Register("Info", modelrpc.Unary(s.Info, modelrpc.Idempotent()))
	svc.Register("Status", modelrpc.Unary(s.Status, modelrpc.Idempotent()))
}

type PingRequest struct{}

type PingResponse struct {
	OK bool `cbor:"ok"`
}

// Ping is a heartbeat.
func (s *Service) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{OK: true}, nil
}

type InfoRequest struct{}

// InfoResponse provides runtime information about the server.
type InfoResponse struct {
	Version       string      `cbor:"version"`
	GoVersion     string      `cbor:"go_version"`
	NumGoroutines int         `cbor:"num_goroutines"`
	NumCPU        int         `cbor:"num_cpu"`
	Memory        MemoryStats `cbor:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `cbor:"alloc"`
	TotalAlloc uint64 `cbor:"total_alloc"`
	Sys        uint64 `cbor:"sys"`
	NumGC      uint32 `cbor:"num_gc"`
}

// Info returns runtime information about the server.
func (s *Service) Info(ctx context.Context, req *InfoRequest) (*InfoResponse, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &InfoResponse{
		Version:       s.version,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}, nil
}

type StatusRequest struct{}

// StatusResponse lists what the server serves.
type StatusResponse struct {
	OK bool `cbor:"ok"`
	// Services maps service names to their method names in declaration
	// order.
	Services map[string][]string `cbor:"services"`
	// Entities maps entity names to their project.
	Entities map[string]string `cbor:"entities"`
	Projects []string          `cbor:"projects"`
}

// Status returns the declared services and the entities behind them.
func (s *Service) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	res := &StatusResponse{
		OK:       true,
		Services: make(map[string][]string),
		Entities: make(map[string]string),
	}
	projects := make(map[string]bool)
	for _, svc := range s.app.Services().Services() {
		methods := make([]string, len(svc.Methods))
		for i, m := range svc.Methods {
			methods[i] = m.Name
		}
		res.Services[svc.Name] = methods
		projects[svc.Project] = true
	}
	for _, e := range s.app.Registry().Entities() {
		res.Entities[e.Name] = e.ProjectName()
	}
	for p := range projects {
		res.Projects = append(res.Projects, p)
	}
	sort.Strings(res.Projects)
	return res, nil
}
