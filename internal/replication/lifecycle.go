package replication

import (
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

// OnTaskEvent consumes lifecycle events from this node's worker pool.
//
// Fan-out uses only links that already exist; a sibling without a live link
// is skipped and will fire on its own schedule.
func (s *Scheduler) OnTaskEvent(ev worker.Event) {
	id := ev.Task.ID
	switch ev.Kind {
	case worker.KindStart:
		eta := s.now().Add(s.pool.Timeout())
		s.fanOut(ev, rescheduleLine(id, eta))
	case worker.KindSuccess:
		s.fanOut(ev, cancelLine(id))
		s.table.drop(id)
	case worker.KindFailure:
		s.table.drop(id)
		s.log.Warn("task execution failed", logx.TaskID(id), logx.String("reason", ev.Reason))
	}
}

func (s *Scheduler) fanOut(ev worker.Event, line string) {
	self := s.members.Self()
	for _, h := range ev.Task.Siblings(self) {
		l := s.links.get(h)
		if l == nil {
			s.log.Debug("sibling unreachable", logx.TaskID(ev.Task.ID), logx.Peer(h), logx.String("event", string(ev.Kind)))
			continue
		}
		if err := l.send(line); err != nil {
			s.log.Debug("sibling send failed", logx.Peer(h), logx.Err(err))
		}
	}
}

var _ worker.Reporter = (*Scheduler)(nil)
