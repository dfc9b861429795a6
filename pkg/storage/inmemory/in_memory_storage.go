// Package inmemory keeps engine state in process memory. It backs the
// engine tests and the embedded single-node mode of the binary.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/ptr"
	"github.com/flowmill/flowmill/pkg/storage"
)

// Storage keeps all engine state in maps guarded by one lock,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu sync.RWMutex

	ProcessDefinitions map[int64]runtime.ProcessDefinition
	Processes          map[int64]runtime.Process
	Activities         map[int64]runtime.Activity
	Variables          map[string]runtime.Variable // keyed by processKey/scopeKey/varKey
	Jobs               map[int64]runtime.Job
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions: make(map[int64]runtime.ProcessDefinition),
		Processes:          make(map[int64]runtime.Process),
		Activities:         make(map[int64]runtime.Activity),
		Variables:          make(map[string]runtime.Variable),
		Jobs:               make(map[int64]runtime.Job),
	}
}

var _ storage.Storage = &Storage{}

func variableId(processKey int64, scopeKey int64, varKey string) string {
	return fmt.Sprintf("%d/%d/%s", processKey, scopeKey, varKey)
}

func (mem *Storage) NewBatch() storage.Batch {
	return &Batch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.ProcessId != processId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinition(ctx context.Context, processId string, version int32) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, def := range mem.ProcessDefinitions {
		if def.ProcessId == processId && def.Version == version {
			return def, nil
		}
	}
	return runtime.ProcessDefinition{}, storage.ErrNotFound
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.ProcessId != processId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) SaveProcess(ctx context.Context, process runtime.Process) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessLocked(process)
}

// saveProcessLocked enforces the terminal-state guard: writes against an
// already-terminal row are dropped, which is what resolves the
// terminate-after-complete race in favor of the first terminal writer.
func (mem *Storage) saveProcessLocked(process runtime.Process) error {
	if current, ok := mem.Processes[process.Key]; ok {
		if current.State.IsTerminal() && current.State != process.State {
			return nil
		}
	}
	mem.Processes[process.Key] = process
	return nil
}

func (mem *Storage) FindProcessByKey(ctx context.Context, key int64) (runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Processes[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessesByDefinitionKey(ctx context.Context, definitionKey int64, afterKey int64, limit int32) ([]runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Process, 0)
	for _, p := range mem.Processes {
		if p.DefinitionKey != definitionKey || p.Key <= afterKey {
			continue
		}
		res = append(res, p)
	}
	slices.SortFunc(res, func(a, b runtime.Process) int {
		return int(a.Key - b.Key)
	})
	if int32(len(res)) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (mem *Storage) FindProcessForUpdate(ctx context.Context, key int64) (runtime.Process, error) {
	// no row locks in memory; the engine serializes per instance
	return mem.FindProcessByKey(ctx, key)
}

func (mem *Storage) FindProcessByParentActivityKey(ctx context.Context, parentActivityKey int64) (runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, p := range mem.Processes {
		if ptr.Deref(p.ParentActivityKey, 0) == parentActivityKey {
			return p, nil
		}
	}
	return runtime.Process{}, storage.ErrNotFound
}

func (mem *Storage) FindChildProcesses(ctx context.Context, parentProcessKey int64) ([]runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Process, 0)
	for _, p := range mem.Processes {
		if ptr.Deref(p.ParentProcessKey, 0) == parentProcessKey {
			res = append(res, p)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Process) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) DeleteProcess(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Processes, key)
	return nil
}

func (mem *Storage) SaveActivity(ctx context.Context, activity runtime.Activity) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveActivityLocked(activity)
}

func (mem *Storage) saveActivityLocked(activity runtime.Activity) error {
	if current, ok := mem.Activities[activity.Key]; ok {
		if current.State.IsTerminal() && current.State != activity.State {
			return nil
		}
	}
	mem.Activities[activity.Key] = activity
	return nil
}

func (mem *Storage) FindActivityByKey(ctx context.Context, key int64) (runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Activities[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindActivitiesByProcessKey(ctx context.Context, processKey int64) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.ProcessKey == processKey {
			res = append(res, a)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Activity) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string) (runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.Activity
	found := false
	for _, a := range mem.Activities {
		if a.ProcessKey != processKey || a.DefinitionId != definitionId {
			continue
		}
		if found && a.Key < res.Key {
			continue
		}
		found = true
		res = a
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindFailedActivities(ctx context.Context, processKey int64) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.ProcessKey == processKey && a.State == runtime.ActivityStateFailed {
			res = append(res, a)
		}
	}
	return res, nil
}

func (mem *Storage) FindScheduledExternalActivities(ctx context.Context, topic string, limit int32) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.State != runtime.ActivityStateScheduled {
			continue
		}
		def, ok := mem.ProcessDefinitions[a.DefinitionKey]
		if !ok {
			continue
		}
		node := def.ActivityById(a.DefinitionId)
		if node == nil || node.Topic != topic {
			continue
		}
		res = append(res, a)
		if int32(len(res)) >= limit {
			break
		}
	}
	return res, nil
}

func (mem *Storage) FindTimedOutActivities(ctx context.Context, now time.Time, limit int32) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.State != runtime.ActivityStateScheduled || a.Timeout == nil {
			continue
		}
		if a.Timeout.After(now) {
			continue
		}
		res = append(res, a)
		if int32(len(res)) >= limit {
			break
		}
	}
	return res, nil
}

func (mem *Storage) DeleteActivity(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Activities, key)
	return nil
}

func (mem *Storage) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Variables[variableId(variable.ProcessKey, variable.ScopeKey, variable.Key)] = variable
	return nil
}

func (mem *Storage) FindVariables(ctx context.Context, processKey int64, scopeIds []string) ([]runtime.Variable, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Variable, 0)
	for _, v := range mem.Variables {
		if v.ProcessKey != processKey {
			continue
		}
		if slices.Contains(scopeIds, v.ScopeDefinitionId) {
			res = append(res, v)
		}
	}
	return res, nil
}

func (mem *Storage) DeleteVariables(ctx context.Context, processKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for id, v := range mem.Variables {
		if v.ProcessKey == processKey {
			delete(mem.Variables, id)
		}
	}
	return nil
}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Jobs[job.Key] = job
	return nil
}

func (mem *Storage) FindJobByKey(ctx context.Context, key int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Jobs[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindJobsByState(ctx context.Context, state runtime.JobState) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Job, 0)
	for _, j := range mem.Jobs {
		if j.State == state {
			res = append(res, j)
		}
	}
	return res, nil
}

// Batch buffers writes and applies them under one lock on Flush.
type Batch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &Batch{}

func (b *Batch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		b.db.ProcessDefinitions[definition.Key] = definition
		return nil
	})
	return nil
}

func (b *Batch) SaveProcess(ctx context.Context, process runtime.Process) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveProcessLocked(process)
	})
	return nil
}

func (b *Batch) SaveActivity(ctx context.Context, activity runtime.Activity) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveActivityLocked(activity)
	})
	return nil
}

func (b *Batch) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		b.db.Variables[variableId(variable.ProcessKey, variable.ScopeKey, variable.Key)] = variable
		return nil
	})
	return nil
}

func (b *Batch) SaveJob(ctx context.Context, job runtime.Job) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		b.db.Jobs[job.Key] = job
		return nil
	})
	return nil
}

func (b *Batch) DeleteActivity(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.Activities, key)
		return nil
	})
	return nil
}

func (b *Batch) DeleteProcess(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.Processes, key)
		return nil
	})
	return nil
}

func (b *Batch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, stmt := range b.stmtToRun {
		if err := stmt(); err != nil {
			return err
		}
	}
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}
