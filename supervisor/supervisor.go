// Package supervisor runs the orchestrator fleet and the journal cleaner.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/freundallein/stacdc/chassis/journal"
	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/scheduler"
)

const defaultCleanInterval = time.Hour

// Orchestrator is the part of scheduler.Orchestrator the supervisor drives.
type Orchestrator interface {
	Name() string
	Execute(ctx context.Context)
	Trigger(ctx context.Context, group *sync.WaitGroup) bool
	Status() scheduler.Status
}

// Config ...
type Config struct {
	Orchestrators []Orchestrator
	// Journal is optional; without it the cleaner does not start.
	Journal       journal.Journal
	Expiration    time.Duration
	CleanInterval time.Duration
}

// Supervisor ...
type Supervisor struct {
	cfg Config
}

// New ...
func New(cfg Config) *Supervisor {
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = defaultCleanInterval
	}
	return &Supervisor{cfg: cfg}
}

// Run starts one goroutine per orchestrator and the journal cleaner. Callers
// wait on group for all of them to exit after ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", len(s.cfg.Orchestrators), " orchestrators")
	if s.cfg.Journal != nil && s.cfg.Expiration > 0 {
		group.Add(1)
		go s.journalCleaner(ctx, group)
	}
	for _, o := range s.cfg.Orchestrators {
		group.Add(1)
		go s.orchestrate(ctx, o, group)
	}
}

func (s *Supervisor) orchestrate(ctx context.Context, o Orchestrator, group *sync.WaitGroup) {
	defer group.Done()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event":  "orchestrator_panic",
				"worker": o.Name(),
				"stack":  string(debug.Stack()),
			}).Error(fmt.Sprint(r))
		}
	}()
	o.Execute(ctx)
	log.WithFields(log.Fields{
		"event":  "ctx_canceled",
		"worker": o.Name(),
	}).Info("exit goroutine")
}

func (s *Supervisor) journalCleaner(ctx context.Context, group *sync.WaitGroup) {
	defer group.Done()
	log.WithFields(log.Fields{
		"event": "start_journal_cleaner",
	}).Info("starting journal cleaner with ", s.cfg.Expiration, " expiration time")
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": "journal_cleaner",
			}).Info("exit goroutine")
			return
		case <-time.After(s.cfg.CleanInterval):
			cleaned, err := s.cfg.Journal.CleanOld(ctx, s.cfg.Expiration)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "clean_journal_failed",
					"worker": "journal_cleaner",
				}).Error(err)
				continue
			}
			log.WithFields(log.Fields{
				"event":  "clean_journal",
				"worker": "journal_cleaner",
			}).Info("cleaned rows: ", cleaned)
		}
	}
}

// Find returns the orchestrator driving dataset/aoi.
func (s *Supervisor) Find(dataset, aoi string) (Orchestrator, bool) {
	for _, o := range s.cfg.Orchestrators {
		st := o.Status()
		if st.Dataset == dataset && st.AOI == aoi {
			return o, true
		}
	}
	return nil, false
}

// Statuses ...
func (s *Supervisor) Statuses() []scheduler.Status {
	out := make([]scheduler.Status, 0, len(s.cfg.Orchestrators))
	for _, o := range s.cfg.Orchestrators {
		out = append(out, o.Status())
	}
	return out
}
