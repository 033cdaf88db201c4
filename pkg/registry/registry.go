// Package registry implements the persistent program store: named
// programs on disk, and the in-memory bookkeeping of in-flight and
// historical invocations.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/budget"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/runner"
	"github.com/mineflare/agent/pkg/sandbox"
	"github.com/mineflare/agent/pkg/telemetry"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Metadata is a program's persisted descriptor, written as metadata.json
// alongside its source.
type Metadata struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Capabilities []result.Capability    `json:"capabilities"`
	Defaults     map[string]interface{} `json:"defaults"`
	Created      time.Time              `json:"created"`
	Updated      time.Time              `json:"updated"`
	Ext          string                 `json:"ext"`
}

// AddOptions configures Registry.Add/Update.
type AddOptions struct {
	Ext string // source file extension, defaults to "js"
}

type entry struct {
	meta   Metadata
	source string
}

// Config configures a Registry.
type Config struct {
	RootDir         string
	HistoryLimit    int
	DefaultTimeout  time.Duration
	ValidateTimeout time.Duration
	BudgetOverrides map[result.Capability]budget.Limits
}

// Registry is the persistent, named program store plus in-flight/history
// invocation bookkeeping.
type Registry struct {
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	programs    map[string]*entry
	running     map[string]*runner.Runner
	runningMeta map[string]string // invocationId -> programName, for Remove's in-flight check
	history     []runner.InvocationRecord
}

// New builds a Registry rooted at cfg.RootDir and rehydrates it from disk.
// logger and metrics may be nil.
func New(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Registry, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	r := &Registry{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		programs:    make(map[string]*entry),
		running:     make(map[string]*runner.Runner),
		runningMeta: make(map[string]string),
	}
	if err := r.rehydrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Metrics returns the telemetry registry this Registry records into, or
// nil when none was supplied.
func (r *Registry) Metrics() *telemetry.Metrics { return r.metrics }

// rehydrate scans rootDir and loads each valid program subdirectory.
// Invalid entries are logged and skipped, never deleted.
func (r *Registry) rehydrate() error {
	if err := os.MkdirAll(r.cfg.RootDir, 0755); err != nil {
		return fmt.Errorf("failed to create registry root: %w", err)
	}
	dirEntries, err := os.ReadDir(r.cfg.RootDir)
	if err != nil {
		return fmt.Errorf("failed to read registry root: %w", err)
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		dir := filepath.Join(r.cfg.RootDir, name)
		meta, source, err := loadEntry(dir, name)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping invalid registry entry", "name", name, "error", err.Error())
			}
			continue
		}
		r.programs[name] = &entry{meta: *meta, source: source}
	}
	return nil
}

func loadEntry(dir, name string) (*Metadata, string, error) {
	metaPath := filepath.Join(dir, "metadata.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, "", fmt.Errorf("missing metadata.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, "", fmt.Errorf("corrupt metadata.json: %w", err)
	}
	if meta.Ext == "" {
		meta.Ext = "js"
	}
	sourcePath := filepath.Join(dir, "source."+meta.Ext)
	sourceBytes, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, "", fmt.Errorf("missing source file: %w", err)
	}
	return &meta, string(sourceBytes), nil
}

// Add validates and persists a new program. name must match the closed
// filename-safe format and must not already exist.
func (r *Registry) Add(name, source string, opts AddOptions) (*Metadata, *result.Error) {
	if !nameRe.MatchString(name) {
		return nil, result.NewError(result.KindInvalidArgument, "program name must match ^[a-zA-Z0-9_-]{1,64}$")
	}
	meta, verr := sandbox.Validate(source, r.cfg.ValidateTimeout)
	if verr != nil {
		return nil, verr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.programs[name]; exists {
		return nil, result.NewError(result.KindInvalidArgument, fmt.Sprintf("program %q already exists", name))
	}

	ext := opts.Ext
	if ext == "" {
		ext = "js"
	}
	now := time.Now()
	m := Metadata{
		Name:         name,
		Version:      meta.Version,
		Capabilities: meta.Capabilities,
		Defaults:     meta.Defaults,
		Created:      now,
		Updated:      now,
		Ext:          ext,
	}
	if err := r.persist(name, source, m); err != nil {
		return nil, result.NewError(result.KindOperationFailed, err.Error())
	}
	r.programs[name] = &entry{meta: m, source: source}
	return &m, nil
}

// Update revalidates and rewrites an existing program's source.
func (r *Registry) Update(name, source string, opts AddOptions) (*Metadata, *result.Error) {
	meta, verr := sandbox.Validate(source, r.cfg.ValidateTimeout)
	if verr != nil {
		return nil, verr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.programs[name]
	if !ok {
		return nil, result.NewError(result.KindInvalidArgument, fmt.Sprintf("program %q does not exist", name))
	}

	ext := existing.meta.Ext
	if opts.Ext != "" {
		ext = opts.Ext
	}
	m := existing.meta
	m.Version = meta.Version
	m.Capabilities = meta.Capabilities
	m.Defaults = meta.Defaults
	m.Updated = time.Now()
	m.Ext = ext
	if err := r.persist(name, source, m); err != nil {
		return nil, result.NewError(result.KindOperationFailed, err.Error())
	}
	r.programs[name] = &entry{meta: m, source: source}
	return &m, nil
}

// Remove deletes a program, refusing while any invocation of it is
// in-flight.
func (r *Registry) Remove(name string) *result.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[name]; !ok {
		return result.NewError(result.KindInvalidArgument, fmt.Sprintf("program %q does not exist", name))
	}
	for id, progName := range r.runningMeta {
		if progName == name {
			return result.NewError(result.KindOperationFailed, fmt.Sprintf("program %q has an in-flight invocation %s", name, id))
		}
	}
	dir := filepath.Join(r.cfg.RootDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return result.NewError(result.KindOperationFailed, err.Error())
	}
	delete(r.programs, name)
	return nil
}

// ListEntry is the summary shape returned by List.
type ListEntry struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Capabilities []result.Capability `json:"capabilities"`
	Created      time.Time           `json:"created"`
	Updated      time.Time           `json:"updated"`
}

// List returns a summary of every registered program.
func (r *Registry) List() []ListEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ListEntry, 0, len(r.programs))
	for _, e := range r.programs {
		out = append(out, ListEntry{
			Name: e.meta.Name, Version: e.meta.Version, Capabilities: e.meta.Capabilities,
			Created: e.meta.Created, Updated: e.meta.Updated,
		})
	}
	return out
}

// Get returns a program's full metadata and source.
func (r *Registry) Get(name string) (*Metadata, string, *result.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.programs[name]
	if !ok {
		return nil, "", result.NewError(result.KindInvalidArgument, fmt.Sprintf("program %q does not exist", name))
	}
	return &e.meta, e.source, nil
}

// Run starts name against agentHandle, blocks until completion, records
// it to history, and returns its terminal InvocationRecord.
func (r *Registry) Run(agentHandle agentlink.Agent, name string, args map[string]interface{}, opts runner.Options) (*runner.InvocationRecord, *result.Error) {
	r.mu.Lock()
	e, ok := r.programs[name]
	if !ok {
		r.mu.Unlock()
		return nil, result.NewError(result.KindInvalidArgument, fmt.Sprintf("program %q does not exist", name))
	}
	prog := runner.ProgramSource{Name: name, Source: e.source, Capabilities: e.meta.Capabilities, Defaults: e.meta.Defaults}
	rn := runner.New(prog, runner.Deps{
		Agent:           agentHandle,
		DefaultTimeout:  r.cfg.DefaultTimeout,
		Logger:          r.logger,
		Metrics:         r.metrics,
		BudgetOverrides: r.cfg.BudgetOverrides,
	})
	r.running[rn.InvocationID()] = rn
	r.runningMeta[rn.InvocationID()] = name
	r.mu.Unlock()

	rec := rn.Run(context.Background(), args, opts)

	r.mu.Lock()
	delete(r.running, rn.InvocationID())
	delete(r.runningMeta, rn.InvocationID())
	r.history = append(r.history, rec)
	if over := len(r.history) - r.cfg.HistoryLimit; over > 0 {
		r.history = r.history[over:]
	}
	r.mu.Unlock()

	return &rec, nil
}

// Cancel aborts an in-flight invocation.
func (r *Registry) Cancel(invocationID string) *result.Error {
	r.mu.Lock()
	rn, ok := r.running[invocationID]
	r.mu.Unlock()
	if !ok {
		return result.NewError(result.KindInvalidArgument, fmt.Sprintf("invocation %q is not in-flight", invocationID))
	}
	rn.Cancel()
	return nil
}

// GetStatus looks up an invocation first in-flight, then in history.
func (r *Registry) GetStatus(invocationID string) (*runner.InvocationRecord, *result.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[invocationID]; ok {
		return &runner.InvocationRecord{InvocationID: invocationID, Status: runner.StatusRunning}, nil
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].InvocationID == invocationID {
			rec := r.history[i]
			return &rec, nil
		}
	}
	return nil, result.NewError(result.KindInvalidArgument, fmt.Sprintf("invocation %q not found", invocationID))
}

// GetRunning returns a snapshot of in-flight invocation IDs.
func (r *Registry) GetRunning() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}

// GetHistory returns up to limit most-recent-first historical records.
func (r *Registry) GetHistory(limit int) []runner.InvocationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]runner.InvocationRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.history[len(r.history)-1-i]
	}
	return out
}

// persist writes source and metadata atomically (temp file + rename) so
// a crash mid-write never leaves a partial entry.
func (r *Registry) persist(name, source string, meta Metadata) error {
	dir := filepath.Join(r.cfg.RootDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, "source."+meta.Ext), []byte(source)); err != nil {
		return err
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "metadata.json"), metaBytes)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
