package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/boomlive/replybot/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// WebhookConfig tunes the push driver.
type WebhookConfig struct {
	Secret          string
	ReplyToMentions bool
	ReplyToDMs      bool
	MaxConcurrent   int64         // bound on in-flight event workers
	EventTimeout    time.Duration // per-event processing deadline
}

// WebhookHandler is the push driver: it verifies signed provider events and
// feeds each contained mention/DM into the dispatcher on a bounded worker
// pool. The HTTP response returns immediately; dispatch is fire-and-forget
// relative to it.
type WebhookHandler struct {
	dispatcher  *Dispatcher
	cfg         WebhookConfig
	botUsername string
	workers     *semaphore.Weighted
	wg          sync.WaitGroup
	logger      *zap.Logger
}

func NewWebhookHandler(dispatcher *Dispatcher, botUsername string, cfg WebhookConfig, logger *zap.Logger) *WebhookHandler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 2 * time.Minute
	}
	return &WebhookHandler{
		dispatcher:  dispatcher,
		cfg:         cfg,
		botUsername: strings.ToLower(botUsername),
		workers:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:      logger,
	}
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.handleChallenge(w, r)
		case http.MethodPost:
			h.handleEvent(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// Wait blocks until all in-flight event workers finish. Used on shutdown.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

// handleChallenge answers the provider's CRC handshake: a signed echo of the
// challenge token proves endpoint ownership.
func (h *WebhookHandler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	crcToken := r.URL.Query().Get("crc_token")
	if crcToken == "" {
		http.Error(w, "missing crc_token", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response_token": "sha256=" + signPayload(h.cfg.Secret, []byte(crcToken)),
	})
}

func (h *WebhookHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !h.verifySignature(body, r.Header.Get("x-twitter-webhooks-signature")) {
		h.logger.Warn("Invalid webhook signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("Invalid JSON in webhook", zap.Error(err))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if h.cfg.ReplyToMentions {
		for _, event := range payload.TweetCreateEvents {
			if !event.mentionsUser(h.botUsername) {
				continue
			}
			mention := event.toMention()
			h.submit(func(ctx context.Context) {
				if _, err := h.dispatcher.ProcessMention(ctx, mention); err != nil {
					h.logger.Warn("Mention processing ended batch-abort signal in webhook mode",
						zap.Error(err), zap.String("id", mention.ID))
				}
			})
		}
	}

	if h.cfg.ReplyToDMs {
		for _, event := range payload.DirectMessageEvents {
			dm := event.toDirectMessage()
			h.submit(func(ctx context.Context) {
				if _, err := h.dispatcher.ProcessDirectMessage(ctx, dm); err != nil {
					h.logger.Warn("DM processing ended batch-abort signal in webhook mode",
						zap.Error(err), zap.String("id", dm.ID))
				}
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// submit runs fn on the bounded worker pool. When the pool is saturated the
// event is dropped with a log entry rather than spawning unbounded
// goroutines or stalling the HTTP response.
func (h *WebhookHandler) submit(fn func(ctx context.Context)) {
	if !h.workers.TryAcquire(1) {
		h.logger.Warn("Worker pool saturated, dropping webhook event")
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.workers.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EventTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := signPayload(h.cfg.Secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// signPayload computes base64(HMAC-SHA256(secret, payload)).
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// wire shapes for account-activity events

type webhookPayload struct {
	ForUserID           string               `json:"for_user_id"`
	TweetCreateEvents   []tweetCreateEvent   `json:"tweet_create_events"`
	DirectMessageEvents []directMessageEvent `json:"direct_message_events"`
	FollowEvents        []json.RawMessage    `json:"follow_events"`
}

type tweetCreateEvent struct {
	IDStr string `json:"id_str"`
	Text  string `json:"text"`
	User  struct {
		IDStr      string `json:"id_str"`
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	Entities struct {
		UserMentions []struct {
			ScreenName string `json:"screen_name"`
		} `json:"user_mentions"`
	} `json:"entities"`
}

func (e tweetCreateEvent) mentionsUser(username string) bool {
	for _, m := range e.Entities.UserMentions {
		if strings.ToLower(m.ScreenName) == username {
			return true
		}
	}
	return false
}

func (e tweetCreateEvent) toMention() models.Mention {
	return models.Mention{
		ID:             e.IDStr,
		AuthorID:       e.User.IDStr,
		AuthorUsername: e.User.ScreenName,
		Text:           e.Text,
	}
}

type directMessageEvent struct {
	ID            string `json:"id"`
	MessageCreate struct {
		SenderID    string `json:"sender_id"`
		MessageData struct {
			Text string `json:"text"`
		} `json:"message_data"`
	} `json:"message_create"`
}

func (e directMessageEvent) toDirectMessage() models.DirectMessage {
	return models.DirectMessage{
		ID:       e.ID,
		SenderID: e.MessageCreate.SenderID,
		Text:     e.MessageCreate.MessageData.Text,
	}
}
