package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/boomlive/replybot/internal/cache"
	"github.com/boomlive/replybot/internal/dedup"
	"github.com/boomlive/replybot/internal/llm"
	"github.com/boomlive/replybot/internal/models"
	"github.com/boomlive/replybot/internal/ratelimit"
	"github.com/boomlive/replybot/internal/twitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakes

type sentReply struct {
	Text        string
	InReplyToID string
}

type sentDM struct {
	RecipientID string
	Text        string
}

type fakePlatform struct {
	mu        sync.Mutex
	replies   []sentReply
	dms       []sentDM
	replyErrs []error // consumed per CreateReply call
	dmErr     error
	searches  [][]models.Mention
	searchErr error
	rootTweet *models.Mention
	rootErr   error
	users     map[string]*models.User
}

func (f *fakePlatform) SearchMentions(ctx context.Context, sinceID string, maxResults int) ([]models.Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.searches) == 0 {
		return nil, nil
	}
	batch := f.searches[0]
	f.searches = f.searches[1:]
	return batch, nil
}

func (f *fakePlatform) GetTweet(ctx context.Context, id string) (*models.Mention, error) {
	if f.rootErr != nil {
		return nil, f.rootErr
	}
	if f.rootTweet == nil {
		return nil, &twitter.APIError{Kind: twitter.ErrUnknown, Message: "not found"}
	}
	return f.rootTweet, nil
}

func (f *fakePlatform) CreateReply(ctx context.Context, text, inReplyToID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replyErrs) > 0 {
		err := f.replyErrs[0]
		f.replyErrs = f.replyErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.replies = append(f.replies, sentReply{Text: text, InReplyToID: inReplyToID})
	return "900", nil
}

func (f *fakePlatform) SendDirectMessage(ctx context.Context, recipientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, sentDM{RecipientID: recipientID, Text: text})
	return nil
}

func (f *fakePlatform) GetUser(ctx context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, &twitter.APIError{Kind: twitter.ErrUnknown, Message: "no such user"}
}

func (f *fakePlatform) GetMe(ctx context.Context) (*models.User, error) {
	return &models.User{ID: "self", Username: "factcheckbot"}, nil
}

func (f *fakePlatform) sentReplies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.replies))
	copy(out, f.replies)
	return out
}

type fakeResponder struct {
	mu       sync.Mutex
	answer   string
	requests []llm.Request
}

func (f *fakeResponder) Ask(ctx context.Context, req llm.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.answer
}

func (f *fakeResponder) askCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeDescriber struct {
	description string
}

func (f *fakeDescriber) Describe(ctx context.Context, refs []models.MediaRef) string {
	return f.description
}

// fixture

type fixture struct {
	platform  *fakePlatform
	responder *fakeResponder
	dispatch  *Dispatcher
}

func newFixture(t *testing.T, mutate ...func(*DispatcherConfig)) *fixture {
	t.Helper()

	cfg := DispatcherConfig{
		BotUsername:    "factcheckbot",
		SelfID:         "self",
		MaxReplyLength: 280,
		DMMaxLength:    10000,
		ThreadMode:     ThreadPerAuthor,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	platform := &fakePlatform{}
	responder := &fakeResponder{answer: "4."}
	logger := zap.NewNop()

	d := NewDispatcher(
		platform,
		responder,
		nil,
		dedup.New(time.Hour, 1000, logger),
		nil,
		ratelimit.New(ratelimit.Policy{Window: 15 * time.Minute, Ceiling: 100}, logger),
		cache.New(time.Hour),
		nil,
		cfg,
		logger,
	)
	return &fixture{platform: platform, responder: responder, dispatch: d}
}

func mention(id, authorID, username, text string) models.Mention {
	return models.Mention{ID: id, AuthorID: authorID, AuthorUsername: username, Text: text}
}

// tests

func TestProcessMention_RepliesWithPrefix(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot what is 2+2?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	replies := f.platform.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "@alice 4.", replies[0].Text)
	assert.Equal(t, "100", replies[0].InReplyToID)
	assert.True(t, f.dispatch.store.Seen("100"))

	require.Len(t, f.responder.requests, 1)
	assert.Equal(t, "what is 2+2?", f.responder.requests[0].Question)
	assert.Equal(t, "u1", f.responder.requests[0].ContextID)
}

func TestProcessMention_DuplicateRepliesOnce(t *testing.T) {
	f := newFixture(t)
	m := mention("100", "u1", "alice", "@factcheckbot what is 2+2?")

	outcome, err := f.dispatch.ProcessMention(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	outcome, err = f.dispatch.ProcessMention(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedDuplicate, outcome)

	assert.Len(t, f.platform.sentReplies(), 1, "exactly one reply for a duplicated id")
	assert.Equal(t, 1, f.responder.askCount())
}

func TestProcessMention_SelfAuthoredNeverReachesLLM(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "self", "factcheckbot", "@factcheckbot hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedSelf, outcome)
	assert.Zero(t, f.responder.askCount())
	assert.Empty(t, f.platform.sentReplies())
}

func TestProcessMention_MissingIDDropped(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		models.Mention{AuthorID: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, f.platform.sentReplies())
}

func TestProcessMention_TruncationLaw(t *testing.T) {
	f := newFixture(t)
	f.responder.answer = strings.Repeat("x", 400)

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot tell me everything"))
	require.NoError(t, err)

	replies := f.platform.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, 280, utf8.RuneCountInString(replies[0].Text),
		"over-long reply is cut to the ceiling exactly")
	assert.True(t, strings.HasSuffix(replies[0].Text, "..."))
	assert.True(t, strings.HasPrefix(replies[0].Text, "@alice "))
}

func TestProcessMention_ShortReplyPassedThrough(t *testing.T) {
	f := newFixture(t)
	f.responder.answer = "short answer"

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	require.NoError(t, err)

	replies := f.platform.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "@alice short answer", replies[0].Text)
}

func TestProcessMention_EmptyAfterStrippingGreets(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot  @FactCheckBot "))
	require.NoError(t, err)

	require.Len(t, f.responder.requests, 1)
	assert.Equal(t, "Hello!", f.responder.requests[0].Question)
}

func TestProcessMention_FallbackStillDispatchedOnce(t *testing.T) {
	f := newFixture(t)
	f.responder.answer = "Sorry, I can't answer right now."

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)
	require.Len(t, f.platform.sentReplies(), 1)
	assert.Equal(t, "@alice Sorry, I can't answer right now.", f.platform.sentReplies()[0].Text)
}

func TestProcessMention_ReplyLimiterDropsNotQueues(t *testing.T) {
	f := newFixture(t)
	f.dispatch.replyLimiter = ratelimit.New(ratelimit.Policy{Window: time.Minute, Ceiling: 0}, zap.NewNop())

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedReplyLimited, outcome)
	assert.Empty(t, f.platform.sentReplies())
	assert.Equal(t, 1, f.responder.askCount(), "limit check happens after the LLM call")
}

func TestProcessMention_ProviderRateLimitAbortsBatch(t *testing.T) {
	f := newFixture(t)
	f.platform.replyErrs = []error{&twitter.APIError{
		Kind:    twitter.ErrRateLimited,
		ResetAt: time.Now().Add(5 * time.Minute),
	}}

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	assert.Equal(t, OutcomeFailed, outcome)
	_, limited := twitter.IsRateLimited(err)
	assert.True(t, limited, "429 on dispatch must surface to the driver")
}

func TestProcessMention_ForbiddenContinuesBatch(t *testing.T) {
	f := newFixture(t)
	f.platform.replyErrs = []error{&twitter.APIError{Kind: twitter.ErrForbidden}}

	outcome, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	require.NoError(t, err, "forbidden must not abort the batch")
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestProcessMention_UserRateLimitScoped(t *testing.T) {
	f := newFixture(t)
	f.dispatch.userLimiter = ratelimit.New(ratelimit.Policy{Window: 15 * time.Minute, Ceiling: 1}, zap.NewNop())

	outcome, _ := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	assert.Equal(t, OutcomeReplied, outcome)

	outcome, _ = f.dispatch.ProcessMention(context.Background(),
		mention("101", "u1", "alice", "@factcheckbot q2"))
	assert.Equal(t, OutcomeSkippedRateLimited, outcome)

	outcome, _ = f.dispatch.ProcessMention(context.Background(),
		mention("102", "u2", "bob", "@factcheckbot q"))
	assert.Equal(t, OutcomeReplied, outcome, "other users keep their own budget")
}

func TestProcessMention_MediaContextForwarded(t *testing.T) {
	f := newFixture(t)
	f.dispatch.describer = &fakeDescriber{description: "a chart of inflation figures"}

	m := mention("100", "u1", "alice", "@factcheckbot is this real?")
	m.Media = []models.MediaRef{{Key: "3_m1", Kind: models.MediaPhoto, URL: "p.jpg"}}

	_, err := f.dispatch.ProcessMention(context.Background(), m)
	require.NoError(t, err)

	require.Len(t, f.responder.requests, 1)
	assert.Equal(t, "a chart of inflation figures", f.responder.requests[0].MediaContext)
}

func TestProcessMention_ConversationContextPrompt(t *testing.T) {
	f := newFixture(t, func(cfg *DispatcherConfig) { cfg.ConversationContext = true })
	f.platform.rootTweet = &models.Mention{
		ID:       "90",
		AuthorID: "u9",
		Text:     "the moon landing was staged",
	}

	m := mention("100", "u1", "alice", "@factcheckbot is this true?")
	m.ConversationID = "90"

	_, err := f.dispatch.ProcessMention(context.Background(), m)
	require.NoError(t, err)

	require.Len(t, f.responder.requests, 1)
	req := f.responder.requests[0]
	assert.Contains(t, req.Question, `"the moon landing was staged"`)
	assert.Contains(t, req.Question, "USER MENTIONED BOT: is this true?")
	assert.Equal(t, "conversation_reply", req.ContextType)
}

func TestProcessMention_ContextFetchFailureStillReplies(t *testing.T) {
	f := newFixture(t, func(cfg *DispatcherConfig) { cfg.ConversationContext = true })
	f.platform.rootErr = &twitter.APIError{Kind: twitter.ErrServer, StatusCode: 500}

	m := mention("100", "u1", "alice", "@factcheckbot is this true?")
	m.ConversationID = "90"

	outcome, err := f.dispatch.ProcessMention(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)
	assert.Equal(t, "is this true?", f.responder.requests[0].Question)
}

func TestProcessMention_ResponseCacheSkipsUpstream(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot what is 2+2?"))
	require.NoError(t, err)
	_, err = f.dispatch.ProcessMention(context.Background(),
		mention("101", "u1", "alice", "@factcheckbot what is 2+2?"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.responder.askCount(), "identical question per author hits the cache")
	assert.Len(t, f.platform.sentReplies(), 2)
}

func TestProcessMention_UsernameLookupFallback(t *testing.T) {
	f := newFixture(t)
	f.platform.users = map[string]*models.User{}

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "", "@factcheckbot q"))
	require.NoError(t, err)

	replies := f.platform.sentReplies()
	require.Len(t, replies, 1)
	assert.True(t, strings.HasPrefix(replies[0].Text, "@user_u1 "))
}

func TestThreadID_PerMentionSuffixed(t *testing.T) {
	f := newFixture(t, func(cfg *DispatcherConfig) { cfg.ThreadMode = ThreadPerMention })
	f.dispatch.now = func() time.Time {
		return time.Date(2025, 6, 5, 15, 32, 45, 0, time.UTC)
	}

	_, err := f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	require.NoError(t, err)

	require.Len(t, f.responder.requests, 1)
	assert.Equal(t, "u1_20250605153245", f.responder.requests[0].ContextID)
}

func TestProcessDirectMessage(t *testing.T) {
	f := newFixture(t)
	f.responder.answer = "here is the answer"

	outcome, err := f.dispatch.ProcessDirectMessage(context.Background(),
		models.DirectMessage{ID: "dm-1", SenderID: "u1", Text: "what is 2+2?"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	require.Len(t, f.platform.dms, 1)
	assert.Equal(t, "u1", f.platform.dms[0].RecipientID)
	assert.Equal(t, "here is the answer", f.platform.dms[0].Text)
}

func TestProcessDirectMessage_DuplicateAndSelf(t *testing.T) {
	f := newFixture(t)

	dm := models.DirectMessage{ID: "dm-1", SenderID: "u1", Text: "hi"}
	_, err := f.dispatch.ProcessDirectMessage(context.Background(), dm)
	require.NoError(t, err)

	outcome, err := f.dispatch.ProcessDirectMessage(context.Background(), dm)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedDuplicate, outcome)

	outcome, err = f.dispatch.ProcessDirectMessage(context.Background(),
		models.DirectMessage{ID: "dm-2", SenderID: "self", Text: "loop"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedSelf, outcome)

	assert.Len(t, f.platform.dms, 1)
}

func TestProcessDirectMessage_LongReplyTruncatedToDMCeiling(t *testing.T) {
	f := newFixture(t)
	f.responder.answer = strings.Repeat("y", 12000)

	_, err := f.dispatch.ProcessDirectMessage(context.Background(),
		models.DirectMessage{ID: "dm-1", SenderID: "u1", Text: "essay please"})
	require.NoError(t, err)

	require.Len(t, f.platform.dms, 1)
	assert.Equal(t, 10000, utf8.RuneCountInString(f.platform.dms[0].Text))
	assert.True(t, strings.HasSuffix(f.platform.dms[0].Text, "..."))
}

func TestStripMentions(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		in   string
		want string
	}{
		{"@factcheckbot what is 2+2?", "what is 2+2?"},
		{"@FACTCHECKBOT case insensitive", "case insensitive"},
		{"hey @factcheckbot check   this", "hey check this"},
		{"@factcheckbottle is a different account", "@factcheckbottle is a different account"},
		{"@factcheckbot", "Hello!"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, f.dispatch.stripMentions(tc.in), "input: %q", tc.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, strings.Repeat("x", 10), truncate(strings.Repeat("x", 10), 10))
	got := truncate(strings.Repeat("x", 11), 10)
	assert.Len(t, got, 10)
	assert.Equal(t, strings.Repeat("x", 7)+"...", got)
}

func TestStatsCounting(t *testing.T) {
	f := newFixture(t)

	_, _ = f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	_, _ = f.dispatch.ProcessMention(context.Background(),
		mention("100", "u1", "alice", "@factcheckbot q"))
	_, _ = f.dispatch.ProcessDirectMessage(context.Background(),
		models.DirectMessage{ID: "dm-1", SenderID: "u1", Text: "hi"})

	stats := f.dispatch.Stats()
	assert.Equal(t, 2, stats.MentionsProcessed)
	assert.Equal(t, 1, stats.DMsProcessed)
	assert.Equal(t, 2, stats.RepliesSent)
	assert.Equal(t, 1, stats.Skipped)
}
