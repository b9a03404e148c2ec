package coverage

import (
	"errors"
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Registry holds the open coverage sessions, keyed by the path their report is written to.
// It is only used from the host thread.
type Registry struct {
	strings  Strings
	index    *Index
	log      *slog.Logger
	trackers map[string]*Tracker
}

// NewRegistry creates an empty registry. A nil index disables seeding.
func NewRegistry(strings Strings, index *Index, log *slog.Logger) *Registry {
	return &Registry{
		strings:  strings,
		index:    index,
		log:      logging.Component(logging.OrDiscard(log), "coverage"),
		trackers: make(map[string]*Tracker),
	}
}

// Start opens a coverage session writing to path
func (r *Registry) Start(path string) error {
	if _, exists := r.trackers[path]; exists {
		return utils.MakeError(ErrContextExists, "%s", path)
	}

	tracker := NewTracker(r.strings, r.log)
	if r.index != nil {
		tracker.Seed(r.index)
	}
	r.trackers[path] = tracker
	r.log.Info("coverage started", slog.String("path", path))
	return nil
}

// Stop closes a coverage session and writes its report
func (r *Registry) Stop(path string) (*Report, error) {
	tracker, exists := r.trackers[path]
	if !exists {
		return nil, utils.MakeError(ErrUnknownContext, "%s", path)
	}
	delete(r.trackers, path)

	report, err := tracker.Finalize()
	if err != nil {
		return nil, err
	}
	if err := report.WriteFile(path); err != nil {
		return report, err
	}

	covered, valid := report.Totals()
	r.log.Info("coverage written", slog.String("path", path), slog.Int("covered", covered), slog.Int("valid", valid))
	return report, nil
}

// StopAll closes every open session, writing all reports
func (r *Registry) StopAll() error {
	var errs []error
	for _, path := range utils.SortedKeys(r.trackers) {
		if _, err := r.Stop(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the paths of the open sessions, sorted
func (r *Registry) Open() []string {
	return utils.SortedKeys(r.trackers)
}

// Active reports whether any session is open
func (r *Registry) Active() bool {
	return len(r.trackers) > 0
}

// Record counts a line execution in every open session
func (r *Registry) Record(proc host.ProcID, file uint32, line uint32) {
	for _, tracker := range r.trackers {
		tracker.Record(proc, file, line)
	}
}
