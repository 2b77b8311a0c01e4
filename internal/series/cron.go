package series

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "ramsis/pkg/logx"
)

// CronBackend is an in-process Backend driven by robfig/cron. Each active
// registration is one cron entry whose schedule is its Recurrence.
type CronBackend struct {
	log  logx.Logger
	fire FireFunc

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	regs    map[string]*cronReg
	running bool
}

type cronReg struct {
	reg     Registration
	entryID cron.EntryID
}

// NewCronBackend runs entries in UTC unless opts set another location. The
// location only affects how cron reports entry times; occurrences are
// absolute instants.
func NewCronBackend(fire FireFunc, log logx.Logger, opts ...cron.Option) *CronBackend {
	opts = append([]cron.Option{cron.WithLocation(time.UTC)}, opts...)
	return &CronBackend{
		log:  log,
		fire: fire,
		ctx:  context.Background(),
		c:    cron.New(opts...),
		regs: map[string]*cronReg{},
	}
}

// Start begins firing entries. ctx is handed to the fire callback.
func (b *CronBackend) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.ctx = ctx
	b.c.Start()
	b.running = true
	b.log.Info("cron backend started", logx.Int("registrations", len(b.regs)))
}

// Stop waits for running jobs up to ctx.
func (b *CronBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	done := b.c.Stop().Done()
	b.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CronBackend) Create(_ context.Context, reg Registration) (string, error) {
	if reg.Rule.Interval <= 0 {
		return "", fmt.Errorf("registration %q has no interval", reg.Name)
	}
	reg.ID = uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	cr := &cronReg{reg: reg}
	b.regs[reg.ID] = cr
	b.syncEntryLocked(cr)
	b.log.Info("registration created", logx.String("id", reg.ID), logx.String("series", reg.Name), logx.Bool("active", reg.Active))
	return reg.ID, nil
}

func (b *CronBackend) Update(_ context.Context, reg Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cr, ok := b.regs[reg.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, reg.ID)
	}
	b.removeEntryLocked(cr)
	cr.reg = reg
	b.syncEntryLocked(cr)
	b.log.Info("registration updated", logx.String("id", reg.ID), logx.String("series", reg.Name), logx.Bool("active", reg.Active))
	return nil
}

func (b *CronBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cr, ok := b.regs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, id)
	}
	b.removeEntryLocked(cr)
	delete(b.regs, id)
	b.log.Info("registration deleted", logx.String("id", id))
	return nil
}

func (b *CronBackend) Get(_ context.Context, id string) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cr, ok := b.regs[id]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrRegistrationNotFound, id)
	}
	return cr.reg, nil
}

// List returns all registrations ordered by series name.
func (b *CronBackend) List() []Registration {
	b.mu.Lock()
	out := make([]Registration, 0, len(b.regs))
	for _, cr := range b.regs {
		out = append(out, cr.reg)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextFire returns the next time the registration fires after now, or the
// zero time when it is inactive or ended.
func (b *CronBackend) NextFire(id string, now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	cr, ok := b.regs[id]
	if !ok || !cr.reg.Active {
		return time.Time{}
	}
	return cr.reg.Rule.Next(now)
}

func (b *CronBackend) syncEntryLocked(cr *cronReg) {
	if !cr.reg.Active {
		return
	}
	reg := cr.reg
	cr.entryID = b.c.Schedule(reg.Rule, cron.FuncJob(func() {
		at, ok := reg.Rule.Latest(time.Now())
		if !ok {
			return
		}
		b.mu.Lock()
		ctx := b.ctx
		b.mu.Unlock()
		b.log.Debug("registration fired", logx.String("series", reg.Name), logx.Time("at", at))
		b.fire(ctx, reg.SeriesID, at)
	}))
}

func (b *CronBackend) removeEntryLocked(cr *cronReg) {
	if cr.entryID != 0 {
		b.c.Remove(cr.entryID)
		cr.entryID = 0
	}
}
