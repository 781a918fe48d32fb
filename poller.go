package waconsole

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often DegradedPoller refreshes while realtime is down.
const DefaultPollInterval = 15 * time.Second

// Refresher reloads state over REST. *Inbox implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// StateSource reports the realtime connection state. *RealtimeClient implements it.
type StateSource interface {
	State() RealtimeState
}

// DegradedPoller keeps the inbox fresh over REST while the realtime channel
// is not connected. It does nothing while realtime is up.
type DegradedPoller struct {
	cron     *cron.Cron
	target   Refresher
	state    StateSource
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// NewDegradedPoller creates a stopped poller. interval <= 0 uses DefaultPollInterval.
func NewDegradedPoller(target Refresher, state StateSource, interval time.Duration) *DegradedPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	l := log.Logger.With().Str("component", "poller").Logger()
	cl := cronLogger{l}
	return &DegradedPoller{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		target:   target,
		state:    state,
		interval: interval,
		timeout:  interval,
		log:      l,
	}
}

// Start schedules the poll job.
func (p *DegradedPoller) Start() error {
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.interval), p.Tick); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	p.cron.Start()
	p.log.Info().Dur("interval", p.interval).Msg("degraded poller started")
	return nil
}

// Stop halts scheduling and waits for a running poll to finish.
func (p *DegradedPoller) Stop() {
	<-p.cron.Stop().Done()
}

// Tick runs one poll: a REST refresh when realtime is not connected.
func (p *DegradedPoller) Tick() {
	if p.state.State() == StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.target.Refresh(ctx); err != nil {
		p.log.Warn().Err(err).Msg("degraded refresh failed")
		return
	}
	p.log.Debug().Msg("degraded refresh done")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
