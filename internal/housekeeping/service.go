package housekeeping

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Service schedules the once-a-minute counters summary log line.
type Service struct {
	cron     *cron.Cron
	counters *Counters
	log      *zap.SugaredLogger
	entryID  cron.EntryID
}

// New creates a housekeeping Service over counters, logging through log.
func New(counters *Counters, log *zap.SugaredLogger) *Service {
	return &Service{cron: cron.New(), counters: counters, log: log}
}

// Start registers the digest job ("@every 1m") and starts the scheduler.
func (s *Service) Start() error {
	id, err := s.cron.AddFunc("@every 1m", s.logDigest)
	if err != nil {
		return fmt.Errorf("housekeeping: schedule digest: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop cancels the scheduled job and stops the scheduler, waiting for any
// in-flight run to finish.
func (s *Service) Stop() {
	s.cron.Remove(s.entryID)
	<-s.cron.Stop().Done()
}

func (s *Service) logDigest() {
	snap := s.counters.snapshotAndReset()
	s.log.Infow("housekeeping: counters digest",
		"polls_ok", snap.PollsOK,
		"polls_failed", snap.PollsFailed,
		"commands_routed", snap.CommandsRouted,
		"commands_dropped", snap.CommandsDropped,
	)
}
