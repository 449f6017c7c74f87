package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/monitor"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/pkg/linux/cpulist"
	"github.com/yandex/perftrace/pkg/linux/procfs"
	"github.com/yandex/perftrace/pkg/ptr"
)

// openMonitors builds the monitors of the scope and opens them. In CPU
// scopes a monitor without any stream is dropped; the run fails only when
// no monitor could open anything.
func (s *Session) openMonitors(ctx context.Context, targets []target.Target) ([]*monitor.Monitor, error) {
	if s.scope.Kind == target.ScopeProcess {
		m := s.newProcessMonitor(targets)
		if err := m.Open(ctx); err != nil {
			if errors.Is(err, monitor.ErrNoStreams) {
				return nil, fmt.Errorf("%w: %w", ErrNoTargets, err)
			}
			return nil, fmt.Errorf("failed to open monitor %s: %w", m.Name(), err)
		}
		return []*monitor.Monitor{m}, nil
	}

	s.knownCPUs = cpusOf(targets)

	var opened []*monitor.Monitor
	for _, group := range target.Group(targets, s.conf.Monitor.CPUsPerMonitor) {
		m := s.newCPUMonitor(group)
		if err := m.Open(ctx); err != nil {
			if errors.Is(err, monitor.ErrNoStreams) {
				s.logger.Warn("Dropping monitor without streams", zap.String("monitor", m.Name()))
				s.mu.Lock()
				s.dropped.Add(m.Stats())
				s.mu.Unlock()
				continue
			}
			return opened, fmt.Errorf("failed to open monitor %s: %w", m.Name(), err)
		}
		opened = append(opened, m)
	}

	if len(opened) == 0 {
		return nil, fmt.Errorf("%w: every target of %s failed", ErrNoTargets, s.scope)
	}
	return opened, nil
}

func (s *Session) newCPUMonitor(cpus []target.Target) *monitor.Monitor {
	name := "cpu-" + cpulist.Format(cpusOf(cpus))
	if s.scope.Kind == target.ScopeCPUs {
		return monitor.NewCPUSet(s.monitorDeps, s.monitorConf, name, cpus)
	}
	return monitor.NewGlobal(s.monitorDeps, s.monitorConf, name, cpus)
}

func (s *Session) newProcessMonitor(threads []target.Target) *monitor.Monitor {
	root := s.scope.PID
	pconf := monitor.ProcessConfig{
		Root:            root,
		ProcFS:          procfs.NewProcFS(s.procfs),
		InitialMappings: ptr.ValueOr(s.conf.Monitor.InitialMappings, true),
	}

	probe, err := s.openProbe(root)
	if err != nil {
		s.logger.Info("Failed to watch the traced process through a pidfd, relying on exit records",
			zap.Int32("pid", int32(root)),
			zap.Error(err),
		)
	} else {
		pconf.Probe = probe
	}

	return monitor.NewProcess(s.monitorDeps, s.monitorConf, pconf, fmt.Sprintf("process-%d", root), threads)
}

// watchHotplug starts monitors for CPUs that come online during the run.
// CPUs going offline are left to their monitors.
func (s *Session) watchHotplug(ctx context.Context) error {
	tick := time.NewTicker(s.conf.Hotplug.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-tick.C:
		}

		online, err := s.topology.OnlineCPUs()
		if err != nil {
			s.logger.Warn("Failed to list online cpus", zap.Error(err))
			continue
		}
		added := target.Added(s.knownCPUs, online)
		if s.scope.Kind == target.ScopeCPUs {
			added = target.Intersect(s.scope.CPUs, added)
		}
		if len(added) == 0 {
			continue
		}
		s.knownCPUs = cpulist.Normalize(append(s.knownCPUs, added...))
		s.logger.Info("Found new online cpus", zap.String("cpus", cpulist.Format(added)))

		targets := make([]target.Target, len(added))
		for i, cpu := range added {
			targets[i] = target.CPU(cpu)
		}
		for _, group := range target.Group(targets, s.conf.Monitor.CPUsPerMonitor) {
			m := s.newCPUMonitor(group)
			if err := m.Open(ctx); err != nil {
				s.logger.Warn("Failed to open monitor for new cpus", zap.String("monitor", m.Name()), zap.Error(err))
				continue
			}

			s.mu.Lock()
			if s.stopping {
				s.mu.Unlock()
				abort([]*monitor.Monitor{m})
				return nil
			}
			s.runMonitorLocked(ctx, m)
			s.mu.Unlock()
			s.metrics.hotplug.Inc()
		}
	}
}

func cpusOf(targets []target.Target) []int {
	cpus := make([]int, 0, len(targets))
	for _, t := range targets {
		if t.Kind == target.KindCPU {
			cpus = append(cpus, t.CPU)
		}
	}
	return cpus
}
