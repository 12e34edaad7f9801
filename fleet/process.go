package fleet

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/nodescope/nodescope/scope"
)

// ptraceOptions requests clone/fork/vfork/exec/exit notification and
// asks the kernel to kill the whole traced tree if the tracer (us)
// dies unexpectedly.
const ptraceOptions = syscall.PTRACE_O_TRACECLONE | syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK | syscall.PTRACE_O_TRACEEXEC |
	syscall.PTRACE_O_TRACEEXIT | syscall.PTRACE_O_EXITKILL

// RunProcess launches cfg.Command under ptrace (spec.md §4.9,
// "Process mode") and drives it until the root process exits,
// instantiating one ScopeMonitor per thread as clone/fork events
// arrive and stopping it on that thread's exit. Go's os/exec exposes
// the same PTRACE_TRACEME-on-exec mechanism via
// syscall.SysProcAttr.Ptrace that delve and other Go tracers use; no
// pack repo does process tracing, so this is grounded directly on
// that standard library facility rather than on a prior example.
func (c *Coordinator) RunProcess(cfg Config) error {
	if len(cfg.Command) == 0 {
		return fmt.Errorf("fleet: process mode requires a command")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fleet: start traced command: %w", err)
	}
	root := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(root, &ws, 0, nil); err != nil {
		return fmt.Errorf("fleet: initial ptrace stop: %w", err)
	}
	if err := syscall.PtraceSetOptions(root, ptraceOptions); err != nil {
		return fmt.Errorf("fleet: ptrace setoptions: %w", err)
	}

	c.group.AddProcess(scope.Process(int64(root)))
	c.summary.RecordProcess(int64(root))
	c.summary.RecordThread(int64(root))
	c.startThreadMonitor(cfg, root, root)
	defer c.resolvers.Exit(scope.Process(int64(root)))

	live := map[int]bool{root: true}
	if err := syscall.PtraceCont(root, 0); err != nil {
		return fmt.Errorf("fleet: ptrace cont: %w", err)
	}

	for len(live) > 0 {
		wpid, status, err := waitAny()
		if err != nil {
			if err == syscall.ECHILD {
				break
			}
			return fmt.Errorf("fleet: wait4: %w", err)
		}

		if status.Exited() || status.Signaled() {
			delete(live, wpid)
			c.stopThreadMonitor(wpid)
			continue
		}
		if !status.Stopped() {
			continue
		}

		sig := status.StopSignal()
		if sig == syscall.SIGTRAP {
			switch status.TrapCause() {
			case syscall.PTRACE_EVENT_CLONE, syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
				if msg, err := syscall.PtraceGetEventMsg(wpid); err == nil {
					child := int(msg)
					live[child] = true
					c.group.AddThread(scope.Thread(int64(child)), scope.Process(int64(root)))
					c.summary.RecordThread(int64(child))
					c.startThreadMonitor(cfg, root, child)
				}
			}
			sig = 0
		}

		if err := syscall.PtraceCont(wpid, int(sig)); err != nil {
			delete(live, wpid)
			c.stopThreadMonitor(wpid)
		}
	}
	return nil
}

func waitAny() (int, syscall.WaitStatus, error) {
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(-1, &ws, 0, nil)
	return wpid, ws, err
}

// startThreadMonitor opens a sample monitor for tid (scoped to
// process root) and registers it with the coordinator. Every thread in
// the tree resolves mmap'd ranges against the same scope.Process(root)
// entry in the resolver registry, since they share one address space.
func (c *Coordinator) startThreadMonitor(cfg Config, root, tid int) {
	s := scope.Thread(int64(tid))
	proc := scope.Process(int64(root))
	sm, err := newSampleMonitor(s, proc, tid, -1, c.facade, c.group, c.resolvers, c.log)
	if err != nil {
		c.log.WithError(err).WithField("tid", tid).Warn("fleet: could not start sample monitor for thread")
		c.summary.RecordSetupFailure(fmt.Sprintf("sample monitor tid %d", tid), err)
		return
	}
	c.mu.Lock()
	c.threads[tid] = sm
	c.mu.Unlock()
	c.addMonitor(sm)
}

// stopThreadMonitor stops and removes the monitor for tid, if any.
func (c *Coordinator) stopThreadMonitor(tid int) {
	c.mu.Lock()
	sm, ok := c.threads[tid]
	delete(c.threads, tid)
	c.mu.Unlock()
	if !ok {
		return
	}
	sm.Signal()
	sm.Join()
}
