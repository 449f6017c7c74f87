package monitor

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
	"github.com/yandex/perftrace/pkg/linux/pidfd"
	"github.com/yandex/perftrace/pkg/linux/procfs"
)

// ExitProbe reports whether a process has exited.
type ExitProbe interface {
	Exited() (bool, error)
	Close() error
}

type pidfdProbe struct {
	fd *pidfd.FD
}

func (p pidfdProbe) Exited() (bool, error) {
	return p.fd.Exited(0)
}

func (p pidfdProbe) Close() error {
	return p.fd.Close()
}

// OpenPidfdProbe watches pid through a pidfd.
func OpenPidfdProbe(pid linux.ProcessID) (ExitProbe, error) {
	fd, err := pidfd.Open(pid)
	if err != nil {
		return nil, err
	}
	return pidfdProbe{fd: fd}, nil
}

type ProcessConfig struct {
	Root   linux.ProcessID
	ProcFS *procfs.ProcFS
	// Optional. Without a probe root exit is detected from exit records and procfs.
	Probe ExitProbe
	// Synthesize mmap events for the mappings that existed before the streams opened.
	InitialMappings bool
}

// processVariant follows one process tree. New threads get their own
// stream when their fork is seen and streams go away with their thread.
type processVariant struct {
	logger     *zap.Logger
	conf       ProcessConfig
	rootExited bool
}

// NewProcess creates a monitor of the process tree rooted at conf.Root. It
// stops by itself once the root exited and every followed thread is gone.
func NewProcess(deps Deps, conf Config, pconf ProcessConfig, name string, threads []target.Target) *Monitor {
	v := &processVariant{conf: pconf}
	m := newMonitor(deps, conf, name, threads, v)
	v.logger = m.logger.With(zap.Int32("root", int32(pconf.Root)))
	return m
}

func (v *processVariant) kind() string {
	return "process"
}

// Only threads that exited in the meantime may be left out.
func (v *processVariant) skippable(class perfevent.ErrorClass) bool {
	return class == perfevent.ClassGone
}

func (v *processVariant) opened(ctx context.Context, m *Monitor) error {
	if !v.conf.InitialMappings || v.conf.ProcFS == nil {
		return nil
	}

	now, err := m.deps.Clock.KernelNow()
	if err != nil {
		v.logger.Warn("Failed to read kernel clock, skipping initial mappings", zap.Error(err))
		return nil
	}

	seen := make(map[linux.ProcessID]bool)
	for _, st := range m.order {
		pid := st.target.PID
		if seen[pid] {
			continue
		}
		seen[pid] = true

		events, err := v.initialMappings(m, st, now)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			v.logger.Warn("Failed to read initial mappings", zap.Int32("pid", int32(pid)), zap.Error(err))
			continue
		}
		st.lastTime = now
		st.source.Submit(events...)
	}
	return nil
}

func (v *processVariant) initialMappings(m *Monitor, st *streamState, now uint64) ([]*event.Event, error) {
	pid := st.target.PID
	var events []*event.Event
	err := v.conf.ProcFS.Process(pid).ListMappings(func(mapping *procfs.Mapping) error {
		if mapping.Permissions&procfs.MappingPermissionExecutable == 0 {
			return nil
		}
		rec := &record.Mmap{
			Header:   record.Header{Type: record.TypeMmap2, Misc: record.MiscUser},
			PID:      uint32(pid),
			TID:      uint32(pid),
			Addr:     mapping.Begin,
			Len:      mapping.End - mapping.Begin,
			PgOff:    mapping.Offset,
			Maj:      mapping.Device.Maj,
			Min:      mapping.Device.Min,
			Ino:      mapping.Inode,
			Prot:     mapping.Permissions.Prot(),
			Flags:    mapping.Permissions.Flags(),
			Filename: mapping.Path,
			SampleID: record.SampleID{PID: uint32(pid), TID: uint32(pid), Time: now},
		}
		events = append(events, event.New(rec, st.target, m.name, now, m.deps.Clock.Convert))
		return nil
	})
	return events, err
}

func (v *processVariant) task(ctx context.Context, m *Monitor, st *streamState, task *record.Task) {
	t := target.Thread(linux.ProcessID(task.PID), linux.ThreadID(task.TID))
	if !task.Exit() {
		m.follow(ctx, t)
		return
	}

	m.exit(t)
	if task.PID == uint32(v.conf.Root) && task.TID == uint32(v.conf.Root) {
		v.markRootExited("exit record")
	}
}

func (v *processVariant) markRootExited(how string) {
	if v.rootExited {
		return
	}
	v.rootExited = true
	v.logger.Info("Root process exited", zap.String("detected_by", how))
}

// polled checks the root once per poll. An exit record lost to an overflow
// must not keep the monitor running, so streams of dead processes are
// reaped once the root is gone.
func (v *processVariant) polled(m *Monitor) {
	if !v.rootExited {
		switch {
		case v.conf.Probe != nil:
			exited, err := v.conf.Probe.Exited()
			if err != nil {
				v.logger.Warn("Failed to poll root process", zap.Error(err))
			} else if exited {
				v.markRootExited("pidfd")
			}
		case v.conf.ProcFS != nil:
			if !v.conf.ProcFS.Alive(v.conf.Root) {
				v.markRootExited("procfs")
			}
		}
	}

	if !v.rootExited || v.conf.ProcFS == nil {
		return
	}
	for _, st := range m.order {
		if !st.exited && !v.conf.ProcFS.Alive(st.target.PID) {
			st.exited = true
		}
	}
}

func (v *processVariant) exhausted(m *Monitor) bool {
	return v.rootExited && len(m.order) == 0
}

func (v *processVariant) stopped(m *Monitor) {
	if v.conf.Probe == nil {
		return
	}
	if err := v.conf.Probe.Close(); err != nil {
		v.logger.Warn("Failed to close root probe", zap.Error(err))
	}
	v.conf.Probe = nil
}
