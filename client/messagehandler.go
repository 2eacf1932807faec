package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/graphapi"
)

// DefaultExecutionTimeout bounds the wait for a terminal event.
const DefaultExecutionTimeout = 600 * time.Second

// MonitorState is the position of a Monitor in its lifecycle.
type MonitorState int

const (
	StateConnecting MonitorState = iota
	StateWaitingForStart
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s MonitorState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitingForStart:
		return "WAITING_FOR_START"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("MonitorState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s MonitorState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// MonitorHandlers defines optional callback functions for what a Monitor observes.
// All handlers are optional - only provide handlers for the messages you care about.
type MonitorHandlers struct {
	// OnProgress is called for every normalized progress record, in stream order
	OnProgress func(ProgressEvent)

	// OnStateChange is called on every state transition
	OnStateChange func(from, to MonitorState)

	// OnError is called if there was an exception during execution
	OnError func(*ExecutionError)

	// OnComplete is called after the event connection was released, regardless of outcome
	OnComplete func()
}

// DefaultMonitorHandlers returns MonitorHandlers that log transitions and errors.
func DefaultMonitorHandlers(logger *zap.Logger) *MonitorHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorHandlers{
		OnStateChange: func(from, to MonitorState) {
			logger.Debug("monitor state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		},
		OnError: func(err *ExecutionError) {
			logger.Error("execution error",
				zap.String("node_id", err.NodeID),
				zap.String("node_type", err.NodeType),
				zap.String("error", err.ExceptionMessage),
			)
		},
	}
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *MonitorHandlers) WithProgressHandler(fn func(ProgressEvent)) *MonitorHandlers {
	h.OnProgress = fn
	return h
}

// WithStateChangeHandler adds a state change handler (builder pattern)
func (h *MonitorHandlers) WithStateChangeHandler(fn func(from, to MonitorState)) *MonitorHandlers {
	h.OnStateChange = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *MonitorHandlers) WithErrorHandler(fn func(*ExecutionError)) *MonitorHandlers {
	h.OnError = fn
	return h
}

// WithCompleteHandler adds a complete handler (builder pattern)
func (h *MonitorHandlers) WithCompleteHandler(fn func()) *MonitorHandlers {
	h.OnComplete = fn
	return h
}

// Monitor follows one prompt on an event stream and turns the server's events
// into ProgressEvents until the prompt completes, fails, or times out.
// A Monitor is single use.
type Monitor struct {
	workflow   graphapi.Workflow
	totalNodes int
	timeout    time.Duration
	handlers   *MonitorHandlers
	logger     *zap.Logger
	now        func() time.Time

	promptID    string
	state       MonitorState
	currentNode string
	nodesDone   int
	clockStart  time.Time
}

// NewMonitor creates a Monitor for workflow. A non-positive timeout selects DefaultExecutionTimeout.
func NewMonitor(workflow graphapi.Workflow, timeout time.Duration, handlers *MonitorHandlers, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	if handlers == nil {
		handlers = &MonitorHandlers{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		workflow:   workflow,
		totalNodes: workflow.NodeCount(),
		timeout:    timeout,
		handlers:   handlers,
		logger:     logger,
		now:        time.Now,
		state:      StateConnecting,
	}
}

// State returns the current state.
func (m *Monitor) State() MonitorState {
	return m.state
}

// NodesDone returns the number of nodes started or cached so far.
func (m *Monitor) NodesDone() int {
	return m.nodesDone
}

// Watch reads source until promptID reaches a terminal state. The timeout runs
// from the call, and restarts when the prompt's execution_start arrives before
// any other event of the prompt.
// source is closed exactly once before Watch returns, on every path.
func (m *Monitor) Watch(ctx context.Context, source EventSource, promptID string) (err error) {
	defer func() {
		if cerr := source.Close(); cerr != nil {
			m.logger.Debug("closing event stream", zap.Error(cerr))
		}
		if m.handlers.OnComplete != nil {
			m.handlers.OnComplete()
		}
	}()

	m.promptID = promptID
	m.clockStart = m.now()
	m.setState(StateWaitingForStart)

	for {
		remaining := m.timeout - m.now().Sub(m.clockStart)
		if remaining <= 0 {
			return m.timedOut()
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := source.ReadEvent(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if m.now().Sub(m.clockStart) >= m.timeout {
					return m.timedOut()
				}
				// the clock was reset while the read was pending
				continue
			}
			m.setState(StateFailed)
			return fmt.Errorf("reading event stream: %w", err)
		}

		done, err := m.handle(msg)
		if done {
			return err
		}
	}
}

func (m *Monitor) handle(msg WSMessage) (bool, error) {
	switch s := msg.(type) {
	case *WSMessageDataExecutionStart:
		if s.PromptID != m.promptID {
			return false, nil
		}
		// an unattributed progress event may already have started the clock
		if m.state == StateWaitingForStart {
			m.clockStart = m.now()
		}
		m.ensureRunning()
		m.emit(ProgressEvent{
			Status:     StatusExecuting,
			Message:    "Execution started",
			TotalNodes: Int(m.totalNodes),
			Elapsed:    m.elapsed(),
		})

	case *WSMessageDataProgress:
		if !m.owns(s.PromptID) {
			return false, nil
		}
		m.ensureRunning()
		m.emit(ProgressEvent{
			Status:     StatusRunning,
			Node:       m.currentNode,
			NodeType:   m.nodeType(m.currentNode),
			NodeIndex:  Int(m.nodesDone),
			TotalNodes: Int(m.totalNodes),
			Progress:   Int(s.Value),
			Max:        Int(s.Max),
			Elapsed:    m.elapsed(),
		})

	case *WSMessageDataExecuting:
		if !m.owns(s.PromptID) {
			return false, nil
		}
		if s.Node == nil {
			// final node was processed
			m.setState(StateCompleted)
			return true, nil
		}
		m.ensureRunning()
		m.currentNode = *s.Node
		m.nodesDone++
		nodeType := m.workflow.NodeType(m.currentNode)
		label := nodeType
		if nodeType == "Unknown" {
			label = "node"
		}
		m.emit(ProgressEvent{
			Status:     StatusRunning,
			Message:    fmt.Sprintf("Executing %s...", label),
			Node:       m.currentNode,
			NodeType:   nodeType,
			NodeIndex:  Int(m.nodesDone),
			TotalNodes: Int(m.totalNodes),
			Elapsed:    m.elapsed(),
		})

	case *WSMessageDataExecutionCached:
		if !m.owns(s.PromptID) || len(s.Nodes) == 0 {
			return false, nil
		}
		m.ensureRunning()
		m.nodesDone += len(s.Nodes)
		m.emit(ProgressEvent{
			Status:     StatusRunning,
			Message:    fmt.Sprintf("Cached %d node(s)", len(s.Nodes)),
			NodeIndex:  Int(m.nodesDone),
			TotalNodes: Int(m.totalNodes),
			Elapsed:    m.elapsed(),
		})

	case *WSMessageExecutionError:
		if !m.owns(s.PromptID) {
			return false, nil
		}
		m.setState(StateFailed)
		execErr := s.ToError()
		if m.handlers.OnError != nil {
			m.handlers.OnError(execErr)
		}
		return true, execErr

	case *WSMessageExecutionInterrupted:
		if !m.owns(s.PromptID) {
			return false, nil
		}
		m.setState(StateFailed)
		return true, ErrExecutionInterrupted

	case *WSMessageDataStatus:
		m.logger.Debug("queue status", zap.Int("queue_remaining", s.Status.ExecInfo.QueueRemaining))

	case *WSMessageUnknown:
		m.logger.Debug("ignoring event", zap.String("type", s.Type))
	}
	return false, nil
}

// owns reports whether an event belongs to the watched prompt. Events without
// a prompt id (progress from older servers) are attributed to it.
func (m *Monitor) owns(promptID string) bool {
	return promptID == "" || promptID == m.promptID
}

func (m *Monitor) ensureRunning() {
	if m.state == StateWaitingForStart {
		m.setState(StateRunning)
	}
}

func (m *Monitor) nodeType(id string) string {
	if id == "" {
		return "Unknown"
	}
	return m.workflow.NodeType(id)
}

func (m *Monitor) elapsed() float64 {
	return ElapsedSeconds(m.now().Sub(m.clockStart))
}

func (m *Monitor) emit(ev ProgressEvent) {
	if m.handlers.OnProgress != nil {
		m.handlers.OnProgress(ev)
	}
}

func (m *Monitor) timedOut() error {
	m.setState(StateTimedOut)
	return &ExecutionTimeoutError{Timeout: m.timeout}
}

func (m *Monitor) setState(to MonitorState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(from, to)
	}
}
