// Package agentmanager runs tasks on remote agent managers. A manager keeps
// a SubscribeCommands stream open, receives execute and cancel commands on
// it and reports output and results back through unary calls.
package agentmanager

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/kazz187/deepwork/internal/executor"
)

type CommandType string

const (
	CommandRegistered CommandType = "registered"
	CommandExecute    CommandType = "execute"
	CommandCancel     CommandType = "cancel"
)

type Command struct {
	Type    CommandType       `json:"type"`
	RunID   string            `json:"run_id,omitempty"`
	Request *executor.Request `json:"request,omitempty"`
}

// DefaultStaleAfter is how long a manager may go without a heartbeat before
// it stops receiving new runs.
const DefaultStaleAfter = 90 * time.Second

type connection struct {
	agentManagerID     string
	maxConcurrentTasks int
	activeTasks        int
	lastHeartbeat      time.Time
	connectedAt        time.Time
	commandCh          chan *Command
}

// report is one output chunk or the result of a remote run.
type report struct {
	output *executor.Output
	result *result
}

type result struct {
	summary string
	err     string
}

type pendingRun struct {
	agentManagerID string
	reports        chan report
	gone           chan struct{}
}

type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*connection // keyed by agentManagerID
	runs       map[string]*pendingRun // keyed by run id
	staleAfter time.Duration
	now        func() time.Time
}

func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		conns:      make(map[string]*connection),
		runs:       make(map[string]*pendingRun),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (r *Registry) Register(agentManagerID string, maxConcurrentTasks int) chan *Command {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 1
	}
	ch := make(chan *Command, 64)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	// A re-registering manager starts over: its old stream and runs end.
	if old, ok := r.conns[agentManagerID]; ok {
		r.dropLocked(old)
	}
	r.conns[agentManagerID] = &connection{
		agentManagerID:     agentManagerID,
		maxConcurrentTasks: maxConcurrentTasks,
		lastHeartbeat:      now,
		connectedAt:        now,
		commandCh:          ch,
	}
	return ch
}

// Unregister removes the manager if ch is still its current stream.
func (r *Registry) Unregister(agentManagerID string, ch chan *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[agentManagerID]; ok && conn.commandCh == ch {
		r.dropLocked(conn)
	}
}

func (r *Registry) dropLocked(conn *connection) {
	close(conn.commandCh)
	delete(r.conns, conn.agentManagerID)
	for id, run := range r.runs {
		if run.agentManagerID == conn.agentManagerID {
			close(run.gone)
			delete(r.runs, id)
		}
	}
}

func (r *Registry) UpdateHeartbeat(agentManagerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[agentManagerID]
	if !ok {
		return false
	}
	conn.lastHeartbeat = r.now()
	return true
}

// SendCommand sends a command to a specific agent-manager. Returns false if not connected.
func (r *Registry) SendCommand(agentManagerID string, cmd *Command) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentManagerID]
	if !ok {
		return false
	}
	select {
	case conn.commandCh <- cmd:
		return true
	default:
		return false // buffer full
	}
}

// Acquire reserves a slot on the live agent-manager with the fewest active
// runs. Returns ("", false) if every manager is full or stale.
func (r *Registry) Acquire() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var best *connection
	for _, conn := range r.conns {
		if conn.activeTasks >= conn.maxConcurrentTasks || now.Sub(conn.lastHeartbeat) > r.staleAfter {
			continue
		}
		if best == nil || conn.activeTasks < best.activeTasks ||
			(conn.activeTasks == best.activeTasks && conn.agentManagerID < best.agentManagerID) {
			best = conn
		}
	}
	if best == nil {
		return "", false
	}
	best.activeTasks++
	return best.agentManagerID, true
}

func (r *Registry) Release(agentManagerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[agentManagerID]; ok && conn.activeTasks > 0 {
		conn.activeTasks--
	}
}

// track opens the report channel of a run dispatched to agentManagerID.
func (r *Registry) track(runID, agentManagerID string) (*pendingRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[agentManagerID]; !ok {
		return nil, false
	}
	run := &pendingRun{
		agentManagerID: agentManagerID,
		reports:        make(chan report, 64),
		gone:           make(chan struct{}),
	}
	r.runs[runID] = run
	return run, true
}

func (r *Registry) untrack(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		close(run.gone)
		delete(r.runs, runID)
	}
}

// deliver hands a report to the waiting run. It reports false when the run
// is unknown, belongs to another manager or is no longer waiting.
func (r *Registry) deliver(agentManagerID, runID string, rep report) bool {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok || run.agentManagerID != agentManagerID {
		return false
	}
	select {
	case run.reports <- rep:
		return true
	case <-run.gone:
		return false
	}
}

type ManagerInfo struct {
	AgentManagerID     string    `json:"agent_manager_id"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	ActiveTasks        int       `json:"active_tasks"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	ConnectedAt        time.Time `json:"connected_at"`
}

func (r *Registry) List() []ManagerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ManagerInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, ManagerInfo{
			AgentManagerID:     c.agentManagerID,
			MaxConcurrentTasks: c.maxConcurrentTasks,
			ActiveTasks:        c.activeTasks,
			LastHeartbeat:      c.lastHeartbeat,
			ConnectedAt:        c.connectedAt,
		})
	}
	slices.SortFunc(infos, func(a, b ManagerInfo) int { return cmp.Compare(a.AgentManagerID, b.AgentManagerID) })
	return infos
}
