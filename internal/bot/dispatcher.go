package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/boomlive/replybot/internal/cache"
	"github.com/boomlive/replybot/internal/dedup"
	"github.com/boomlive/replybot/internal/llm"
	"github.com/boomlive/replybot/internal/media"
	"github.com/boomlive/replybot/internal/models"
	"github.com/boomlive/replybot/internal/ratelimit"
	"github.com/boomlive/replybot/internal/storage"
	"github.com/boomlive/replybot/internal/twitter"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one item's trip through the pipeline.
type Outcome int

const (
	OutcomeReplied Outcome = iota
	OutcomeSkippedDuplicate
	OutcomeSkippedSelf
	OutcomeSkippedRateLimited
	OutcomeSkippedReplyLimited
	OutcomeSkippedEmpty
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplied:
		return "replied"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeSkippedSelf:
		return "skipped_self"
	case OutcomeSkippedRateLimited:
		return "skipped_rate_limited"
	case OutcomeSkippedReplyLimited:
		return "skipped_reply_limited"
	case OutcomeSkippedEmpty:
		return "skipped_empty"
	default:
		return "failed"
	}
}

// ThreadMode fixes how LLM thread ids are derived. PerAuthor keeps one
// conversation per author; PerMention opens a fresh thread for every mention.
// Either is acceptable, but a deployment must pick one.
type ThreadMode string

const (
	ThreadPerAuthor  ThreadMode = "per_author"
	ThreadPerMention ThreadMode = "per_mention"
)

// DispatcherConfig carries the per-deployment pipeline settings.
type DispatcherConfig struct {
	BotUsername         string
	SelfID              string
	MaxReplyLength      int
	DMMaxLength         int
	ConversationContext bool
	ThreadMode          ThreadMode
}

// Dispatcher runs each incoming mention or DM through dedup, rate limiting,
// context building, the LLM, truncation, and reply dispatch. It owns no
// goroutines; both drivers call into the same instance.
type Dispatcher struct {
	platform     twitter.Client
	responder    llm.Responder
	describer    media.Describer
	store        *dedup.Store
	userLimiter  *ratelimit.Limiter
	replyLimiter *ratelimit.Limiter
	responses    *cache.ResponseCache
	archive      storage.Archive
	cfg          DispatcherConfig
	logger       *zap.Logger

	mentionPattern *regexp.Regexp
	now            func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Stats is a snapshot of dispatcher counters for the status endpoint.
type Stats struct {
	MentionsProcessed int `json:"mentions_processed"`
	DMsProcessed      int `json:"dms_processed"`
	RepliesSent       int `json:"replies_sent"`
	Skipped           int `json:"skipped"`
	Failures          int `json:"failures"`
}

// NewDispatcher wires the pipeline. describer may be nil (media disabled);
// userLimiter may be nil (no per-user budget); archive may be nil.
func NewDispatcher(
	platform twitter.Client,
	responder llm.Responder,
	describer media.Describer,
	store *dedup.Store,
	userLimiter *ratelimit.Limiter,
	replyLimiter *ratelimit.Limiter,
	responses *cache.ResponseCache,
	archive storage.Archive,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	// Word-boundary-safe, case-insensitive match of the bot's own @-handle.
	pattern := regexp.MustCompile(`(?i)\B@` + regexp.QuoteMeta(cfg.BotUsername) + `\b`)

	return &Dispatcher{
		platform:       platform,
		responder:      responder,
		describer:      describer,
		store:          store,
		userLimiter:    userLimiter,
		replyLimiter:   replyLimiter,
		responses:      responses,
		archive:        archive,
		cfg:            cfg,
		logger:         logger,
		mentionPattern: pattern,
		now:            time.Now,
	}
}

// ProcessMention runs one mention through the pipeline. The returned error is
// non-nil only for a provider rate-limit on dispatch: the driver must abort
// the rest of its batch and sleep. All other failures terminate in the item's
// outcome.
func (d *Dispatcher) ProcessMention(ctx context.Context, m models.Mention) (Outcome, error) {
	if m.ID == "" || m.AuthorID == "" {
		d.logger.Warn("Dropping mention with missing required fields",
			zap.String("id", m.ID),
			zap.String("author_id", m.AuthorID))
		return d.count(OutcomeFailed, true), nil
	}

	// Mark seen before any network call: a downstream failure must not make
	// the item eligible again in the same batch. At-most-once beats
	// at-least-once for a user-facing chat reply.
	if !d.store.CheckAndMark(m.ID) {
		d.logger.Info("Skipping duplicate mention", zap.String("id", m.ID))
		return d.count(OutcomeSkippedDuplicate, true), nil
	}

	if m.AuthorID == d.cfg.SelfID {
		d.logger.Info("Skipping own tweet", zap.String("id", m.ID))
		return d.count(OutcomeSkippedSelf, true), nil
	}

	if d.userLimiter != nil && !d.userLimiter.TryAcquire(m.AuthorID) {
		d.logger.Warn("User rate limit exceeded",
			zap.String("id", m.ID),
			zap.String("author_id", m.AuthorID))
		return d.count(OutcomeSkippedRateLimited, true), nil
	}

	question := d.stripMentions(m.Text)

	mediaDescription := ""
	if d.describer != nil && len(m.Media) > 0 {
		mediaDescription = d.describer.Describe(ctx, m.Media)
	}

	prompt, contextType := d.buildPrompt(ctx, m, question, &mediaDescription)
	threadID := d.threadID(m.AuthorID)

	answer := d.answer(ctx, llm.Request{
		Question:     prompt,
		ContextID:    threadID,
		MediaContext: mediaDescription,
		ContextType:  contextType,
	}, m.AuthorID)

	username := m.AuthorUsername
	if username == "" {
		username = d.lookupUsername(ctx, m.AuthorID)
	}
	prefix := "@" + username + " "
	replyText := prefix + truncate(answer, d.cfg.MaxReplyLength-utf8.RuneCountInString(prefix))

	if !d.replyLimiter.TryAcquire("") {
		// Queuing is not supported: a dropped reply is a logged loss.
		d.logger.Warn("Reply rate limit exceeded, dropping reply",
			zap.String("id", m.ID))
		return d.count(OutcomeSkippedReplyLimited, true), nil
	}

	if _, err := d.platform.CreateReply(ctx, replyText, m.ID); err != nil {
		if _, limited := twitter.IsRateLimited(err); limited {
			d.logger.Warn("Rate limit hit on reply creation, aborting batch",
				zap.String("id", m.ID))
			return d.count(OutcomeFailed, true), err
		}
		if twitter.IsForbidden(err) {
			d.logger.Error("Forbidden to reply", zap.Error(err), zap.String("id", m.ID))
			return d.count(OutcomeFailed, true), nil
		}
		d.logger.Error("Failed to create reply", zap.Error(err), zap.String("id", m.ID))
		return d.count(OutcomeFailed, true), nil
	}

	d.logger.Info("Replied to mention",
		zap.String("id", m.ID),
		zap.String("author", username),
		zap.Bool("with_media", mediaDescription != ""))

	d.archiveReply(ctx, m.ID, models.ItemMention, m.AuthorID, question, replyText)
	return d.count(OutcomeReplied, true), nil
}

// ProcessDirectMessage mirrors the mention pipeline without mention
// stripping or media/context enrichment, using the DM length ceiling.
func (d *Dispatcher) ProcessDirectMessage(ctx context.Context, dm models.DirectMessage) (Outcome, error) {
	if dm.ID == "" || dm.SenderID == "" || dm.Text == "" {
		d.logger.Warn("Dropping DM with missing required fields", zap.String("id", dm.ID))
		return d.count(OutcomeFailed, false), nil
	}

	if !d.store.CheckAndMark(dm.ID) {
		d.logger.Info("Skipping duplicate DM", zap.String("id", dm.ID))
		return d.count(OutcomeSkippedDuplicate, false), nil
	}

	if dm.SenderID == d.cfg.SelfID {
		return d.count(OutcomeSkippedSelf, false), nil
	}

	if d.userLimiter != nil && !d.userLimiter.TryAcquire(dm.SenderID) {
		d.logger.Warn("User rate limit exceeded",
			zap.String("id", dm.ID),
			zap.String("sender_id", dm.SenderID))
		return d.count(OutcomeSkippedRateLimited, false), nil
	}

	answer := d.answer(ctx, llm.Request{
		Question:  dm.Text,
		ContextID: d.threadID(dm.SenderID),
	}, dm.SenderID)

	replyText := truncate(answer, d.cfg.DMMaxLength)

	if !d.replyLimiter.TryAcquire("") {
		d.logger.Warn("Reply rate limit exceeded, dropping DM reply",
			zap.String("id", dm.ID))
		return d.count(OutcomeSkippedReplyLimited, false), nil
	}

	if err := d.platform.SendDirectMessage(ctx, dm.SenderID, replyText); err != nil {
		if _, limited := twitter.IsRateLimited(err); limited {
			d.logger.Warn("Rate limit hit on DM send, aborting batch",
				zap.String("id", dm.ID))
			return d.count(OutcomeFailed, false), err
		}
		d.logger.Error("Failed to send DM", zap.Error(err), zap.String("id", dm.ID))
		return d.count(OutcomeFailed, false), nil
	}

	d.logger.Info("Replied to DM",
		zap.String("id", dm.ID),
		zap.String("sender", dm.SenderID))

	d.archiveReply(ctx, dm.ID, models.ItemDirectMessage, dm.SenderID, dm.Text, replyText)
	return d.count(OutcomeReplied, false), nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// answer consults the response cache, then the responder. Cache entries are
// keyed by author so repeat questions within the freshness window skip the
// upstream call even in per-mention thread mode.
func (d *Dispatcher) answer(ctx context.Context, req llm.Request, authorID string) string {
	if d.responses != nil {
		if cached, ok := d.responses.Get(req.Question, authorID); ok {
			d.logger.Info("Response cache hit", zap.String("author_id", authorID))
			return cached
		}
	}

	answer := d.responder.Ask(ctx, req)

	if d.responses != nil {
		d.responses.Put(req.Question, authorID, answer)
	}
	return answer
}

// stripMentions removes the bot's own @-handle from the text, collapses
// whitespace, and substitutes a greeting when nothing remains.
func (d *Dispatcher) stripMentions(text string) string {
	stripped := d.mentionPattern.ReplaceAllString(text, "")
	stripped = strings.Join(strings.Fields(stripped), " ")
	if stripped == "" {
		return "Hello!"
	}
	return stripped
}

// buildPrompt folds the conversation root and media description into a
// labeled prompt when context mode is on; otherwise the stripped mention text
// alone. The media description may be extended with the root tweet's media.
func (d *Dispatcher) buildPrompt(ctx context.Context, m models.Mention, question string, mediaDescription *string) (prompt, contextType string) {
	if !d.cfg.ConversationContext || m.ConversationID == "" || m.ConversationID == m.ID {
		return question, ""
	}

	root, err := d.platform.GetTweet(ctx, m.ConversationID)
	if err != nil {
		// Context is an enrichment; a failed fetch never blocks the reply.
		d.logger.Warn("Could not fetch conversation root",
			zap.Error(err),
			zap.String("conversation_id", m.ConversationID))
		return question, ""
	}

	if d.describer != nil && len(root.Media) > 0 {
		if rootDesc := d.describer.Describe(ctx, root.Media); rootDesc != "" {
			if *mediaDescription != "" {
				*mediaDescription = fmt.Sprintf("%s\n[Original tweet media: %s]", *mediaDescription, rootDesc)
			} else {
				*mediaDescription = fmt.Sprintf("[Original tweet media: %s]", rootDesc)
			}
		}
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("%q", root.Text))
	if *mediaDescription != "" {
		parts = append(parts, "\nMEDIA CONTENT: "+*mediaDescription)
	}
	parts = append(parts, "\nUSER MENTIONED BOT: "+question)

	return strings.Join(parts, "\n"), "conversation_reply"
}

// threadID derives the upstream conversation id from the author id,
// timestamp-suffixed in per-mention mode.
func (d *Dispatcher) threadID(authorID string) string {
	if d.cfg.ThreadMode == ThreadPerMention {
		return authorID + "_" + d.now().UTC().Format("20060102150405")
	}
	return authorID
}

func (d *Dispatcher) lookupUsername(ctx context.Context, authorID string) string {
	user, err := d.platform.GetUser(ctx, authorID)
	if err != nil || user.Username == "" {
		d.logger.Warn("Failed to resolve username", zap.Error(err), zap.String("author_id", authorID))
		return "user_" + authorID
	}
	return user.Username
}

func (d *Dispatcher) archiveReply(ctx context.Context, itemID string, kind models.ItemKind, authorID, question, response string) {
	if d.archive == nil {
		return
	}
	err := d.archive.SaveReply(ctx, &models.Reply{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		ItemKind:  kind,
		AuthorID:  authorID,
		Question:  question,
		Response:  response,
		CreatedAt: d.now(),
	})
	if err != nil {
		d.logger.Error("Failed to archive reply",
			zap.Error(err),
			zap.String("item_id", itemID))
	}
}

func (d *Dispatcher) count(outcome Outcome, mention bool) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mention {
		d.stats.MentionsProcessed++
	} else {
		d.stats.DMsProcessed++
	}
	switch outcome {
	case OutcomeReplied:
		d.stats.RepliesSent++
	case OutcomeFailed:
		d.stats.Failures++
	default:
		d.stats.Skipped++
	}
	return outcome
}

// truncate cuts text to at most limit runes, replacing the tail with "..."
// when a cut was needed.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}
