package app

import (
	"time"

	"ramsis/internal/task/engine"
)

// Status is the operational view served on /status.
type Status struct {
	Project     string        `json:"project"`
	ProjectTime time.Time     `json:"project_time"`
	Simulated   bool          `json:"simulated"`
	State       string        `json:"state"`
	ActiveRun   string        `json:"active_run,omitempty"`
	Tasks       []TaskStatus  `json:"tasks"`
	Engine      EngineStatus  `json:"engine"`
	Dispatch    EngineStatus  `json:"dispatch"`
	Recent      []EngineEntry `json:"recent,omitempty"`
}

type TaskStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Next     *time.Time    `json:"next,omitempty"`
}

type EngineStatus struct {
	Running     bool   `json:"running"`
	Workers     int    `json:"workers"`
	QueueLen    int    `json:"queue_len"`
	QueueCap    int    `json:"queue_cap"`
	InFlight    int    `json:"in_flight"`
	Dropped     uint64 `json:"dropped"`
	CircuitOpen int    `json:"circuit_open"`
}

type EngineEntry struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// recentLimit caps the engine history included in Status.
const recentLimit = 10

func (a *App) Status() Status {
	st := Status{
		Project:     a.project.Name(),
		ProjectTime: a.project.ProjectTime(),
		Simulated:   a.sim != nil,
		State:       a.coord.State().String(),
	}
	if run := a.coord.ActiveRun(); run != nil {
		st.ActiveRun = run.ID
	}
	for _, t := range a.coord.Schedule() {
		ts := TaskStatus{Name: t.Name, Interval: t.Interval}
		if t.Scheduled {
			next := t.Next
			ts.Next = &next
		}
		st.Tasks = append(st.Tasks, ts)
	}

	snap := a.engine.Snapshot()
	st.Engine = engineStatus(snap)
	st.Dispatch = engineStatus(a.dispatch.Snapshot())
	hist := snap.History
	if len(hist) > recentLimit {
		hist = hist[len(hist)-recentLimit:]
	}
	for _, h := range hist {
		st.Recent = append(st.Recent, EngineEntry{
			Name:     h.Name,
			Started:  h.Started,
			Duration: h.Duration,
			Attempts: h.Attempts,
			Error:    h.Error,
		})
	}
	return st
}

func engineStatus(s engine.Snapshot) EngineStatus {
	return EngineStatus{
		Running:     s.Running,
		Workers:     s.Workers,
		QueueLen:    s.QueueLen,
		QueueCap:    s.QueueCap,
		InFlight:    s.InFlight,
		Dropped:     s.Dropped,
		CircuitOpen: s.CircuitOpen,
	}
}
