package bot

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/boomlive/replybot/internal/ratelimit"
	"github.com/boomlive/replybot/internal/twitter"
	"go.uber.org/zap"
)

// PollerConfig tunes the polling driver.
type PollerConfig struct {
	Interval         time.Duration // between poll cycles
	InitialWait      time.Duration // before the first poll
	MaxResults       int           // per search request
	ReplyDelay       time.Duration // between successive replies in a batch
	RateLimitMinWait time.Duration // floor on provider-declared reset waits
	AuthFailureWait  time.Duration // after an authentication failure
	ErrorWait        time.Duration // after any other search error
}

// Poller is the polling driver: one long-lived loop, one cycle at a time,
// advancing a monotonic cursor over mention ids. The cursor lives in process
// memory only and resets on restart.
type Poller struct {
	platform    twitter.Client
	dispatcher  *Dispatcher
	readLimiter *ratelimit.Limiter
	cfg         PollerConfig
	logger      *zap.Logger

	startTime time.Time
	now       func() time.Time

	mu        sync.Mutex
	cursor    string
	pollCount int
}

func NewPoller(platform twitter.Client, dispatcher *Dispatcher, readLimiter *ratelimit.Limiter, cfg PollerConfig, logger *zap.Logger) *Poller {
	return &Poller{
		platform:    platform,
		dispatcher:  dispatcher,
		readLimiter: readLimiter,
		cfg:         cfg,
		logger:      logger,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// Cursor returns the last-seen maximum mention id.
func (p *Poller) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Run polls until ctx is canceled. Every cycle fully completes, including
// sequential per-item processing, before the next sleep.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting mention polling",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("max_results", p.cfg.MaxResults))

	if err := sleepCtx(ctx, p.cfg.InitialWait); err != nil {
		return err
	}

	for {
		wait := p.pollOnce(ctx)
		if wait <= 0 {
			wait = p.cfg.Interval
		}
		p.logger.Info("Sleeping until next poll", zap.Duration("wait", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// pollOnce performs one search-and-process cycle. It returns a non-zero wait
// when the cycle hit a condition that overrides the normal interval. A panic
// anywhere in the cycle is absorbed into a short backoff so the loop never
// dies.
func (p *Poller) pollOnce(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poll cycle panicked", zap.Any("panic", r))
			wait = p.cfg.ErrorWait
		}
	}()

	p.mu.Lock()
	p.pollCount++
	count := p.pollCount
	cursor := p.cursor
	p.mu.Unlock()

	if p.readLimiter != nil && !p.readLimiter.TryAcquire("") {
		p.logger.Warn("Read budget exhausted, skipping poll", zap.Int("poll", count))
		return 0
	}

	p.logger.Info("Checking for new mentions", zap.Int("poll", count))

	mentions, err := p.platform.SearchMentions(ctx, cursor, p.cfg.MaxResults)
	if err != nil {
		return p.classifySearchError(err)
	}

	if len(mentions) == 0 {
		p.logger.Info("No new mentions found")
		return 0
	}
	p.logger.Info("Found new mentions", zap.Int("count", len(mentions)))

	// Process oldest first so the cursor advances monotonically and replies
	// land in chronological order.
	replies := 0
	for i := len(mentions) - 1; i >= 0; i-- {
		m := mentions[i]
		p.advanceCursor(m.ID)

		if !m.CreatedAt.IsZero() && m.CreatedAt.Before(p.startTime) {
			p.logger.Info("Skipping tweet from before startup", zap.String("id", m.ID))
			continue
		}

		outcome, err := p.dispatcher.ProcessMention(ctx, m)
		if resetAt, limited := twitter.IsRateLimited(err); limited {
			p.logger.Warn("Provider rate limit during batch, aborting remainder")
			return p.waitForReset(resetAt)
		}

		if outcome == OutcomeReplied {
			replies++
			if p.cfg.ReplyDelay > 0 && i > 0 {
				if sleepCtx(ctx, p.cfg.ReplyDelay) != nil {
					return 0
				}
			}
		}
	}

	p.logger.Info("Poll cycle complete",
		zap.Int("replies", replies),
		zap.Int("mentions", len(mentions)))
	return 0
}

func (p *Poller) classifySearchError(err error) time.Duration {
	if resetAt, limited := twitter.IsRateLimited(err); limited {
		wait := p.waitForReset(resetAt)
		p.logger.Warn("Search rate limit hit", zap.Duration("wait", wait))
		return wait
	}
	if twitter.IsUnauthorized(err) {
		p.logger.Error("Authentication failed, check credentials", zap.Error(err))
		return p.cfg.AuthFailureWait
	}
	p.logger.Error("Error searching mentions", zap.Error(err))
	return p.cfg.ErrorWait
}

// waitForReset returns the time until the provider-declared reset, with the
// configured floor applied.
func (p *Poller) waitForReset(resetAt time.Time) time.Duration {
	wait := time.Until(resetAt)
	if wait < p.cfg.RateLimitMinWait {
		wait = p.cfg.RateLimitMinWait
	}
	return wait
}

// advanceCursor moves the cursor forward; it never goes backwards.
func (p *Poller) advanceCursor(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idGreater(id, p.cursor) {
		p.cursor = id
	}
}

// idGreater compares two tweet ids numerically, falling back to a
// length-then-lexicographic comparison for non-numeric ids.
func idGreater(a, b string) bool {
	if b == "" {
		return a != ""
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na > nb
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
