package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var timeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// Scheduler manages cron-based job scheduling with timezone support.
// Jobs are registered under a name so they can be rescheduled and
// inspected individually.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	mu       sync.Mutex
	entries  map[string]cron.EntryID
	started  bool
}

// NewScheduler creates a new scheduler for the given timezone.
func NewScheduler(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		location: loc,
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// ScheduleDaily registers a job firing once a day at the specified time
// (HH:MM format). Scheduling an existing name replaces the old job.
func (s *Scheduler) ScheduleDaily(name, timeStr string, fn func()) error {
	hour, minute, err := parseTime(timeStr)
	if err != nil {
		return err
	}
	return s.add(name, buildCronSpec(hour, minute), fn)
}

// ScheduleEvery registers a job firing at a fixed interval.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval: %s", interval)
	}
	return s.add(name, fmt.Sprintf("@every %s", interval), fn)
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}

	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("add cron job %q: %w", name, err)
	}
	s.entries[name] = entryID

	return nil
}

// NextRuns reports the next firing time of every registered job. Times
// are zero until the scheduler is started.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		runs[name] = s.cron.Entry(id).Next
	}
	return runs
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.cron.Stop()
		s.started = false
	}
}

func parseTime(timeStr string) (int, int, error) {
	matches := timeRegex.FindStringSubmatch(timeStr)
	if len(matches) != 3 {
		return 0, 0, fmt.Errorf("invalid time format: %q (expected HH:MM)", timeStr)
	}

	hour, _ := strconv.Atoi(matches[1])
	minute, _ := strconv.Atoi(matches[2])

	return hour, minute, nil
}

func buildCronSpec(hour, minute int) string {
	// Cron format: minute hour day month weekday
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
