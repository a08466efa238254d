// Package shutdown turns termination signals into one orderly exit.
package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitBase is added to the signal number to form the exit code.
const ExitBase = 128

// Signals are the signals Listen reacts to.
var Signals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}

// Coordinator runs registered hooks once, on the first signal, then exits.
type Coordinator struct {
	mu     sync.Mutex
	hooks  []func()
	once   sync.Once
	exit   func(code int)
	logger *slog.Logger
}

func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{exit: os.Exit, logger: logger.With("component", "shutdown")}
}

// OnShutdown registers f. Hooks run in reverse registration order.
func (c *Coordinator) OnShutdown(f func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, f)
	c.mu.Unlock()
}

// Listen starts watching for Signals. The returned func stops watching.
func (c *Coordinator) Listen() (stop func()) {
	ch := make(chan os.Signal, len(Signals))
	signal.Notify(ch, Signals...)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if s, ok := sig.(syscall.Signal); ok {
					go c.Trigger(s)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// Trigger runs the shutdown sequence for sig. Only the first call has any
// effect; later calls wait for it to finish.
func (c *Coordinator) Trigger(sig syscall.Signal) {
	c.once.Do(func() {
		c.logger.Info("received signal, shutting down", "signal", sig.String())
		c.mu.Lock()
		hooks := append([]func(){}, c.hooks...)
		c.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		c.exit(ExitCode(sig))
	})
}

// ExitCode is the process exit status for a termination by sig.
func ExitCode(sig syscall.Signal) int {
	return ExitBase + int(sig)
}
