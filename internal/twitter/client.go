package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/boomlive/replybot/internal/models"
	"github.com/dghubble/oauth1"
	"go.uber.org/zap"
)

const (
	apiBase   = "https://api.twitter.com/2"
	apiV1Base = "https://api.twitter.com/1.1"
)

// Client is the platform capability the pipeline consumes. Implementations
// classify failures into APIError kinds so the dispatcher and drivers can
// react per class.
type Client interface {
	SearchMentions(ctx context.Context, sinceID string, maxResults int) ([]models.Mention, error)
	GetTweet(ctx context.Context, id string) (*models.Mention, error)
	CreateReply(ctx context.Context, text, inReplyToID string) (string, error)
	SendDirectMessage(ctx context.Context, recipientID, text string) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetMe(ctx context.Context) (*models.User, error)
}

// Credentials holds the app and user tokens for both API auth modes.
type Credentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
	BearerToken  string
}

// HTTPClient talks to the Twitter API: bearer-token auth for reads, OAuth
// 1.0a request signing for the write endpoints.
type HTTPClient struct {
	botUsername string
	bearerToken string
	readClient  *http.Client
	writeClient *http.Client
	baseURL     string
	v1BaseURL   string
	logger      *zap.Logger
}

func NewHTTPClient(creds Credentials, botUsername string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	oauthConfig := oauth1.NewConfig(creds.APIKey, creds.APISecret)
	oauthToken := oauth1.NewToken(creds.AccessToken, creds.AccessSecret)
	writeClient := oauthConfig.Client(oauth1.NoContext, oauthToken)
	writeClient.Timeout = timeout

	return &HTTPClient{
		botUsername: botUsername,
		bearerToken: creds.BearerToken,
		readClient:  &http.Client{Timeout: timeout},
		writeClient: writeClient,
		baseURL:     apiBase,
		v1BaseURL:   apiV1Base,
		logger:      logger,
	}
}

// wire shapes for the v2 API

type tweetJSON struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	AuthorID       string `json:"author_id"`
	CreatedAt      string `json:"created_at"`
	ConversationID string `json:"conversation_id"`
	Attachments    struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type mediaJSON struct {
	MediaKey string `json:"media_key"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	AltText  string `json:"alt_text"`
	Variants []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		BitRate     int    `json:"bit_rate"`
	} `json:"variants"`
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type includesJSON struct {
	Media []mediaJSON `json:"media"`
	Users []userJSON  `json:"users"`
}

type searchResponse struct {
	Data     []tweetJSON  `json:"data"`
	Includes includesJSON `json:"includes"`
}

type tweetResponse struct {
	Data     tweetJSON    `json:"data"`
	Includes includesJSON `json:"includes"`
}

type userResponse struct {
	Data userJSON `json:"data"`
}

// SearchMentions returns tweets mentioning the bot newer than sinceID,
// with author usernames and media attachments resolved from the includes.
func (c *HTTPClient) SearchMentions(ctx context.Context, sinceID string, maxResults int) ([]models.Mention, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("@%s -is:retweet", c.botUsername))
	params.Set("max_results", fmt.Sprintf("%d", maxResults))
	params.Set("tweet.fields", "author_id,created_at,conversation_id,attachments")
	params.Set("user.fields", "username,name")
	params.Set("expansions", "attachments.media_keys,author_id")
	params.Set("media.fields", "media_key,type,url,variants,alt_text")
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}

	body, err := c.get(ctx, c.baseURL+"/tweets/search/recent?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	mentions := make([]models.Mention, 0, len(parsed.Data))
	for _, tw := range parsed.Data {
		mentions = append(mentions, adaptTweet(tw, parsed.Includes))
	}
	return mentions, nil
}

// GetTweet fetches a single tweet with its media, typically the root of a
// conversation the bot was mentioned in.
func (c *HTTPClient) GetTweet(ctx context.Context, id string) (*models.Mention, error) {
	params := url.Values{}
	params.Set("tweet.fields", "author_id,created_at,conversation_id,attachments")
	params.Set("user.fields", "username,name")
	params.Set("expansions", "attachments.media_keys,author_id")
	params.Set("media.fields", "media_key,type,url,variants,alt_text")

	body, err := c.get(ctx, c.baseURL+"/tweets/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed tweetResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tweet response: %w", err)
	}
	if parsed.Data.ID == "" {
		return nil, &APIError{Kind: ErrUnknown, Message: "tweet not found"}
	}

	mention := adaptTweet(parsed.Data, parsed.Includes)
	return &mention, nil
}

// CreateReply posts text in reply to inReplyToID and returns the new tweet id.
func (c *HTTPClient) CreateReply(ctx context.Context, text, inReplyToID string) (string, error) {
	payload := map[string]any{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": inReplyToID,
		},
	}

	body, err := c.post(ctx, c.baseURL+"/tweets", payload, http.StatusCreated)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing create response: %w", err)
	}
	return parsed.Data.ID, nil
}

// SendDirectMessage delivers text to recipientID over the v1.1 events API.
func (c *HTTPClient) SendDirectMessage(ctx context.Context, recipientID, text string) error {
	payload := map[string]any{
		"event": map[string]any{
			"type": "message_create",
			"message_create": map[string]any{
				"target": map[string]string{
					"recipient_id": recipientID,
				},
				"message_data": map[string]string{
					"text": text,
				},
			},
		},
	}

	_, err := c.post(ctx, c.v1BaseURL+"/direct_messages/events/new.json", payload, http.StatusOK)
	return err
}

func (c *HTTPClient) GetUser(ctx context.Context, id string) (*models.User, error) {
	params := url.Values{}
	params.Set("user.fields", "username,name")

	body, err := c.get(ctx, c.baseURL+"/users/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed userResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing user response: %w", err)
	}
	return &models.User{ID: parsed.Data.ID, Username: parsed.Data.Username, Name: parsed.Data.Name}, nil
}

// GetMe resolves the authenticated bot account. Used at startup for the
// self-reply guard.
func (c *HTTPClient) GetMe(ctx context.Context) (*models.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	body, err := c.do(c.writeClient, req)
	if err != nil {
		return nil, err
	}

	var parsed userResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing user response: %w", err)
	}
	return &models.User{ID: parsed.Data.ID, Username: parsed.Data.Username, Name: parsed.Data.Name}, nil
}

func (c *HTTPClient) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	return c.do(c.readClient, req)
}

func (c *HTTPClient) post(ctx context.Context, requestURL string, payload any, wantStatus int) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.writeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitter request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body))
	}
	return body, nil
}

func (c *HTTPClient) do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitter request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body))
	}
	return body, nil
}

// adaptTweet maps a wire tweet and its includes into the core data model,
// isolating the API's shape from the pipeline.
func adaptTweet(tw tweetJSON, includes includesJSON) models.Mention {
	mention := models.Mention{
		ID:             tw.ID,
		AuthorID:       tw.AuthorID,
		Text:           tw.Text,
		ConversationID: tw.ConversationID,
	}

	if tw.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, tw.CreatedAt); err == nil {
			mention.CreatedAt = ts
		}
	}

	for _, u := range includes.Users {
		if u.ID == tw.AuthorID {
			mention.AuthorUsername = u.Username
			break
		}
	}

	if len(tw.Attachments.MediaKeys) > 0 && len(includes.Media) > 0 {
		lookup := make(map[string]mediaJSON, len(includes.Media))
		for _, m := range includes.Media {
			lookup[m.MediaKey] = m
		}
		for _, mk := range tw.Attachments.MediaKeys {
			m, ok := lookup[mk]
			if !ok {
				continue
			}
			ref := models.MediaRef{
				Key:     m.MediaKey,
				Kind:    models.MediaKind(m.Type),
				URL:     m.URL,
				AltText: m.AltText,
			}
			for _, v := range m.Variants {
				ref.Variants = append(ref.Variants, models.MediaVariant{
					URL:         v.URL,
					ContentType: v.ContentType,
					BitRate:     v.BitRate,
				})
			}
			mention.Media = append(mention.Media, ref)
		}
	}
	return mention
}
