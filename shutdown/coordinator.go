package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/lovebridge/logging"
)

// Signals that start a graceful shutdown.
var Signals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu            sync.Mutex
	handlers      []registration
	shutdownOnce  sync.Once
	shutdownErr   error
	done          chan struct{}
	result        *Result
	signalChan    chan os.Signal
	shutdownStart time.Time
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	d := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = d.DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Coordinator{
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to a phase. Handlers in the same phase
// run concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function in phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every handler once. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.shutdownStart = time.Now()
		err = c.doShutdown(ctx)
		c.shutdownErr = err
		close(c.done)
	})

	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGHUP, SIGINT or SIGTERM. A second signal
// while draining exits immediately.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, Signals...)

	go func() {
		var sig os.Signal
		select {
		case sig = <-c.signalChan:
		case <-c.done:
			signal.Stop(c.signalChan)
			return
		}
		c.logger.Info("shutdown signal", map[string]interface{}{"signal": sig.String()})

		go func() {
			select {
			case sig := <-c.signalChan:
				c.logger.Error("second signal, exiting", map[string]interface{}{"signal": sig.String()})
				os.Exit(1)
			case <-c.done:
			}
		}()

		_ = c.ShutdownWithTimeout(c.config.Timeout)
		signal.Stop(c.signalChan)
	}()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns any error that occurred during shutdown.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed shutdown result, or nil before Done.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) doShutdown(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{
		Results: make([]HandlerResult, 0, len(handlers)),
	}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(c.shutdownStart)
		c.result = result
		return err
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			c.logger.Warn("shutdown timed out", map[string]interface{}{"phase": group[0].phase})
			return finish(ErrTimeout)
		default:
		}

		phaseResults := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			if overallErr == nil {
				overallErr = ErrHandlerFailed
			}
			if !c.config.ContinueOnError {
				return finish(overallErr)
			}
		}
	}

	return finish(overallErr)
}

// executePhase runs all handlers in a phase concurrently.
func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr
			c.report(hr)
		}(i, reg)
	}

	wg.Wait()
	return results
}

func (c *Coordinator) report(hr HandlerResult) {
	fields := map[string]interface{}{
		"handler":  hr.Name,
		"phase":    hr.Phase,
		"duration": hr.Duration.String(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.logger.Warn("shutdown handler failed", fields)
	} else {
		c.logger.Debug("shutdown handler done", fields)
	}
	if c.config.OnProgress != nil {
		c.config.OnProgress(hr)
	}
}

// groupByPhase splits handlers sorted by phase into one group per phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var currentGroup []registration
	currentPhase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != currentPhase {
			groups = append(groups, currentGroup)
			currentGroup = nil
			currentPhase = h.phase
		}
		currentGroup = append(currentGroup, h)
	}

	if len(currentGroup) > 0 {
		groups = append(groups, currentGroup)
	}

	return groups
}

// Trigger starts a signal-style shutdown without a real signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}
