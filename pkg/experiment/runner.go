// Package experiment composes device actions into ordered groups and runs
// them: every action of a group runs concurrently and a group starts only
// once the previous one has finished.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/internal/groutine"
)

// Action is one step of an experiment.
type Action struct {
	Name string
	Cmd  func(ctx context.Context) error
	// OnlyAfter closes the current group: the next action starts only after
	// every action of this group has finished.
	OnlyAfter bool
	// ForeverRun actions are not awaited; they are cancelled when the run ends.
	ForeverRun bool
}

// Result records how one action ended.
type Result struct {
	Name      string        `json:"name"`
	Group     int           `json:"group"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Forever   bool          `json:"forever,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Error     string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// Report is the outcome of Runner.Run.
type Report struct {
	Groups  [][]*Result   `json:"groups"`
	Runtime time.Duration `json:"runtime"`
}

// Err joins the errors of every failed action.
func (r *Report) Err() error {
	var errs []error
	for _, g := range r.Groups {
		for _, res := range g {
			if res.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
			}
		}
	}
	return errors.Join(errs...)
}

// Partition splits actions into groups. An action with OnlyAfter set ends its
// group; trailing actions form the last group.
func Partition(actions []Action) [][]Action {
	var groups [][]Action
	var current []Action
	for _, a := range actions {
		current = append(current, a)
		if a.OnlyAfter {
			groups = append(groups, current)
			current = nil
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// ContinueOnError keeps running later groups after an action failed.
	ContinueOnError bool
	Logger          *logrus.Logger
}

// Runner executes action lists.
type Runner struct {
	opts   RunnerOptions
	logger *logrus.Logger
}

// NewRunner creates a runner. A nil opts uses the defaults.
func NewRunner(opts *RunnerOptions) *Runner {
	if opts == nil {
		opts = &RunnerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{opts: *opts, logger: logger}
}

// Run executes actions group by group and reports every action's result
// together with the wall time of the whole run. It stops after the first group
// containing a failed action unless ContinueOnError is set; the returned error
// then joins the failures.
func (r *Runner) Run(ctx context.Context, actions []Action) (*Report, error) {
	groups := Partition(actions)
	report := &Report{Groups: make([][]*Result, 0, len(groups))}

	foreverCtx, stopForever := context.WithCancel(ctx)
	defer stopForever()
	var forever sync.WaitGroup

	start := time.Now()
	var runErr error
	for gi, group := range groups {
		results, err := r.runGroup(ctx, foreverCtx, gi, group, &forever)
		report.Groups = append(report.Groups, results)
		if err != nil {
			runErr = err
			break
		}
	}

	stopForever()
	forever.Wait()
	report.Runtime = time.Since(start)

	r.logger.WithFields(logrus.Fields{
		"groups":  len(report.Groups),
		"runtime": report.Runtime,
	}).Info("Experiment finished")

	if runErr != nil {
		return report, runErr
	}
	return report, report.Err()
}

func (r *Runner) runGroup(ctx, foreverCtx context.Context, gi int, group []Action, forever *sync.WaitGroup) ([]*Result, error) {
	results := make([]*Result, len(group))
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.logger.WithFields(logrus.Fields{"group": gi, "actions": len(group)}).Debug("Starting action group")

	var wg sync.WaitGroup
	for i, a := range group {
		res := &Result{Name: a.Name, Group: gi, Forever: a.ForeverRun}
		if res.Name == "" {
			res.Name = fmt.Sprintf("group%d-action%d", gi, i)
		}
		results[i] = res

		runCtx := groupCtx
		wait := &wg
		if a.ForeverRun {
			runCtx = foreverCtx
			wait = forever
		}
		wait.Add(1)
		groutine.Go(runCtx, "experiment-"+res.Name, func(ctx context.Context) {
			defer wait.Done()
			r.runAction(ctx, a, res)
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	if r.opts.ContinueOnError {
		return results, nil
	}
	for _, res := range results {
		if !res.Forever && res.Err != nil {
			return results, fmt.Errorf("group %d: %s: %w", gi, res.Name, res.Err)
		}
	}
	return results, nil
}

func (r *Runner) runAction(ctx context.Context, a Action, res *Result) {
	res.Started = time.Now()
	var err error
	if a.Cmd != nil {
		err = a.Cmd(ctx)
	}
	res.Duration = time.Since(res.Started)

	if a.ForeverRun && errors.Is(err, context.Canceled) {
		res.Cancelled = true
		err = nil
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":    res.Name,
			"goroutine": groutine.Name(ctx),
		}).Warn("Action failed")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"action":   res.Name,
		"duration": res.Duration,
	}).Debug("Action completed")
}
