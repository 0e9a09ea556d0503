// Package lifecycle serializes the state-changing operations a host issues
// against one kernel binding. A KernelBinding has no internal locking
// beyond protecting its own fields, by design — Supervisor is the single
// place that enforces "one operation in flight per kernel at a time".
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// Supervisor owns every active KernelBinding and serializes operations on
// each one independently: a slow terminate on kernel A never blocks a
// poll on kernel B.
type Supervisor struct {
	mu       sync.Mutex
	bindings map[string]*entry
}

type entry struct {
	op      sync.Mutex
	binding *provisioner.KernelBinding
}

// New builds an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{bindings: make(map[string]*entry)}
}

// Add registers a binding under supervision. It must be called before any
// other Supervisor method is used for that kernel id.
func (s *Supervisor) Add(b *provisioner.KernelBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.ID] = &entry{binding: b}
}

// Remove drops a binding from supervision once it has been fully torn
// down; subsequent operations for that kernel id will fail with "not
// found".
func (s *Supervisor) Remove(kernelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, kernelID)
}

func (s *Supervisor) lookup(kernelID string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bindings[kernelID]
	if !ok {
		return nil, fmt.Errorf("no kernel binding registered for kernel_id %q", kernelID)
	}
	return e, nil
}

// Launch runs b.Launch under the per-kernel operation lock.
func (s *Supervisor) Launch(ctx context.Context, kernelID, username, displayName, responseAddress, publicKeyB64 string, argv []string, env map[string]string) error {
	e, err := s.lookup(kernelID)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Launch(ctx, username, displayName, responseAddress, publicKeyB64, argv, env)
}

// Describe reports a binding's current state and connection info without
// taking the per-kernel operation lock, so a caller can observe progress
// (e.g. from an HTTP poll handler) while Launch is still in flight.
func (s *Supervisor) Describe(kernelID string) (provisioner.State, wire.ConnectionInfo, bool, error) {
	e, err := s.lookup(kernelID)
	if err != nil {
		return "", wire.ConnectionInfo{}, false, err
	}
	conn, ok := e.binding.ConnectionInfo()
	return e.binding.State(), conn, ok, nil
}

// Snapshot returns the kernel ids of every binding currently in RUNNING,
// for a status monitor to iterate over without holding any per-kernel
// operation lock.
func (s *Supervisor) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.bindings))
	for id, e := range s.bindings {
		if e.binding.State() == provisioner.StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Poll runs b.Poll under the per-kernel operation lock.
func (s *Supervisor) Poll(ctx context.Context, kernelID string) (backend.Status, error) {
	e, err := s.lookup(kernelID)
	if err != nil {
		return backend.StatusUnknown, err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Poll(ctx)
}

// FailSteadyState runs b.FailSteadyState under the per-kernel operation
// lock. Unknown kernel ids are ignored: by the time a status monitor's
// tick fires, a binding may already have been torn down and removed.
func (s *Supervisor) FailSteadyState(kernelID string, err error) {
	e, lookupErr := s.lookup(kernelID)
	if lookupErr != nil {
		return
	}
	e.op.Lock()
	defer e.op.Unlock()
	e.binding.FailSteadyState(err)
}

// SendSignal runs b.SendSignal under the per-kernel operation lock.
func (s *Supervisor) SendSignal(ctx context.Context, kernelID string, signum int) error {
	e, err := s.lookup(kernelID)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.SendSignal(ctx, signum)
}

// Interrupt runs b.Interrupt under the per-kernel operation lock.
func (s *Supervisor) Interrupt(ctx context.Context, kernelID string) error {
	e, err := s.lookup(kernelID)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Interrupt(ctx)
}

// Wait runs b.Wait under the per-kernel operation lock.
func (s *Supervisor) Wait(ctx context.Context, kernelID string) (provisioner.State, error) {
	e, err := s.lookup(kernelID)
	if err != nil {
		return "", err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Wait(ctx)
}

// Shutdown delivers a graceful termination request. There is no separate
// "shutdown" verb on the backend adapter: the shutdown message itself is
// sent to the kernel-launcher over the communication port by the binding's
// Terminate, not by the backend, so from the backend's perspective shutdown and terminate
// converge on the same cleanup.
func (s *Supervisor) Shutdown(ctx context.Context, kernelID string) error {
	return s.Terminate(ctx, kernelID)
}

// Terminate runs b.Terminate under the per-kernel operation lock.
func (s *Supervisor) Terminate(ctx context.Context, kernelID string) error {
	e, err := s.lookup(kernelID)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Terminate(ctx)
}

// Kill runs b.Kill under the per-kernel operation lock.
func (s *Supervisor) Kill(ctx context.Context, kernelID string) error {
	e, err := s.lookup(kernelID)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return e.binding.Kill(ctx)
}
