package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chartstream/internal/domain"
	"chartstream/internal/egress"
	"chartstream/internal/event"
	"chartstream/internal/observe"
)

// Fetcher retrieves one region's chart snapshot.
type Fetcher interface {
	FetchRegion(ctx context.Context, region domain.Region) (domain.ChartSnapshot, error)
}

// Publisher is the delivery slice of egress.Publisher the cycle needs.
type Publisher interface {
	Publish(ctx context.Context, msg egress.Message) error
}

// Orchestrator drives one fetch-transform-publish pass across all
// configured regions. Regions run concurrently under a bounded worker
// limit; one region's failure never affects another's execution.
type Orchestrator struct {
	fetcher    Fetcher
	publisher  Publisher
	build      func(domain.ChartSnapshot) (egress.Message, error)
	regions    []domain.Region
	maxWorkers int
	notifier   *observe.Notifier
	now        func() time.Time
}

func NewOrchestrator(fetcher Fetcher, publisher Publisher, regions []domain.Region, maxWorkers int, notifier *observe.Notifier) (*Orchestrator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if len(regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	if notifier == nil {
		notifier = &observe.Notifier{}
	}
	return &Orchestrator{
		fetcher:    fetcher,
		publisher:  publisher,
		build:      event.Build,
		regions:    regions,
		maxWorkers: maxWorkers,
		notifier:   notifier,
		now:        time.Now,
	}, nil
}

// RunCycle executes one full pass and returns its aggregate result.
// The terminal state is Completed only if every region's message was
// acknowledged; otherwise PartiallyFailed with the failed regions and
// reasons. Whole-cycle retry is the scheduler's concern, never done
// here.
func (o *Orchestrator) RunCycle(ctx context.Context) domain.CycleResult {
	res := domain.CycleResult{
		CycleID:      uuid.NewString(),
		State:        domain.CycleRunning,
		StartedAtUTC: o.now().UTC(),
	}
	o.notifier.CycleStarted(res.CycleID, len(o.regions))

	outcomes := make([]domain.RegionOutcome, len(o.regions))
	g := new(errgroup.Group)
	g.SetLimit(min(len(o.regions), o.maxWorkers))
	for i, region := range o.regions {
		g.Go(func() error {
			outcomes[i] = o.processRegion(ctx, region)
			o.notifier.RegionCompleted(res.CycleID, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, oc := range outcomes {
		if oc.Err != nil {
			res.Failed = append(res.Failed, oc)
			continue
		}
		res.Succeeded = append(res.Succeeded, oc.Region)
	}
	res.FinishedAtUTC = o.now().UTC()
	if len(res.Failed) == 0 {
		res.State = domain.CycleCompleted
	} else {
		res.State = domain.CyclePartiallyFailed
	}
	o.notifier.CycleFinished(res)
	return res
}

// processRegion is the region-task boundary: every error, including a
// panic, is converted into the outcome and nothing propagates further.
func (o *Orchestrator) processRegion(ctx context.Context, region domain.Region) (out domain.RegionOutcome) {
	out.Region = region
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("region task panic: %v", r)
		}
	}()

	snap, err := o.fetcher.FetchRegion(ctx, region)
	if err != nil {
		out.Err = err
		return out
	}
	msg, err := o.build(snap)
	if err != nil {
		out.Err = err
		return out
	}
	if err := o.publisher.Publish(ctx, msg); err != nil {
		out.Err = err
	}
	return out
}
