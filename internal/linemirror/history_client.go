package linemirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	maxHistoryPageSize     = 100
	defaultHistoryBaseURL  = "https://api.openphone.com"
	historyMessagesPath    = "/v1/messages"
	conversationsPath      = "/v1/conversations"
	maxHistoryErrorPreview = 512
)

type HistoryQuery struct {
	PhoneNumberID string
	Participants  []string
	CreatedAfter  time.Time
	MaxResults    int
}

// HistoryClient reads the provider's message history for one conversation.
type HistoryClient interface {
	ListMessages(ctx context.Context, credential string, query HistoryQuery) ([]Message, error)
}

type ConversationQuery struct {
	PhoneNumberIDs []string
	UpdatedAfter   time.Time
	MaxResults     int
}

// RemoteConversation is the provider's view of one conversation.
type RemoteConversation struct {
	ID             string
	Name           string
	PhoneNumberID  string
	Participants   []string
	LastActivityAt time.Time
}

// ConversationDirectory lists the conversations a credential can see.
type ConversationDirectory interface {
	ListConversations(ctx context.Context, credential string, query ConversationQuery) ([]RemoteConversation, error)
}

type HistoryHTTPClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxPages bounds how many nextPageToken links are followed. Defaults to 1.
	MaxPages int
}

type HTTPHistoryClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxPages   int
}

// HistoryStatusError is a non-retryable (or retries exhausted) HTTP failure.
type HistoryStatusError struct {
	StatusCode int
	Message    string
}

func (e *HistoryStatusError) Error() string {
	return fmt.Sprintf("history request failed: status=%d message=%s", e.StatusCode, e.Message)
}

type historyResponse struct {
	Data          []historyRecord `json:"data"`
	NextPageToken string          `json:"nextPageToken"`
}

type historyRecord struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	From           string   `json:"from"`
	To             []string `json:"to"`
	Direction      string   `json:"direction"`
	Text           *string  `json:"text"`
	Body           *string  `json:"body"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"createdAt"`
}

type conversationsResponse struct {
	Data          []conversationRecord `json:"data"`
	NextPageToken string               `json:"nextPageToken"`
}

type conversationRecord struct {
	ID             string   `json:"id"`
	Name           *string  `json:"name"`
	PhoneNumberID  string   `json:"phoneNumberId"`
	Participants   []string `json:"participants"`
	LastActivityAt string   `json:"lastActivityAt"`
}

func NewHTTPHistoryClient(opts HistoryHTTPClientOptions) *HTTPHistoryClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultHistoryBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	return &HTTPHistoryClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxPages:   maxPages,
	}
}

func (c *HTTPHistoryClient) ListMessages(ctx context.Context, credential string, query HistoryQuery) ([]Message, error) {
	if c == nil {
		return nil, fmt.Errorf("history http client is nil")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}
	maxResults := query.MaxResults
	if maxResults <= 0 || maxResults > maxHistoryPageSize {
		maxResults = maxHistoryPageSize
	}

	var out []Message
	pageToken := ""
	for page := 0; page < c.maxPages; page++ {
		params := url.Values{}
		params.Set("phoneNumberId", query.PhoneNumberID)
		for _, participant := range query.Participants {
			params.Add("participants", participant)
		}
		params.Set("maxResults", strconv.Itoa(maxResults))
		if !query.CreatedAfter.IsZero() {
			params.Set("createdAfter", query.CreatedAfter.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var resp historyResponse
		if err := c.get(ctx, c.baseURL+historyMessagesPath+"?"+params.Encode(), credential, &resp); err != nil {
			return nil, err
		}
		for _, record := range resp.Data {
			msg, err := record.toMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		pageToken = strings.TrimSpace(resp.NextPageToken)
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

func (c *HTTPHistoryClient) ListConversations(ctx context.Context, credential string, query ConversationQuery) ([]RemoteConversation, error) {
	if c == nil {
		return nil, fmt.Errorf("history http client is nil")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}
	maxResults := query.MaxResults
	if maxResults <= 0 || maxResults > maxHistoryPageSize {
		maxResults = maxHistoryPageSize
	}

	var out []RemoteConversation
	pageToken := ""
	for page := 0; page < c.maxPages; page++ {
		params := url.Values{}
		for _, phoneNumberID := range query.PhoneNumberIDs {
			params.Add("phoneNumbers", phoneNumberID)
		}
		params.Set("maxResults", strconv.Itoa(maxResults))
		if !query.UpdatedAfter.IsZero() {
			params.Set("updatedAfter", query.UpdatedAfter.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var resp conversationsResponse
		if err := c.get(ctx, c.baseURL+conversationsPath+"?"+params.Encode(), credential, &resp); err != nil {
			return nil, err
		}
		for _, record := range resp.Data {
			conv, err := record.toRemote()
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		pageToken = strings.TrimSpace(resp.NextPageToken)
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

func (c *HTTPHistoryClient) get(ctx context.Context, target, credential string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+credential)
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode history response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if value, ok := parsed["message"].(string); ok && strings.TrimSpace(value) != "" {
				message = value
			}
		}
		if len(message) > maxHistoryErrorPreview {
			message = message[:maxHistoryErrorPreview]
		}
		return &HistoryStatusError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *HTTPHistoryClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (r historyRecord) toMessage() (Message, error) {
	direction, err := ParseDirection(r.Direction)
	if err != nil {
		return Message{}, fmt.Errorf("history record %s: %w", r.ID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("history record %s: createdAt: %w", r.ID, err)
	}
	return NormalizeMessage(Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		From:           r.From,
		To:             r.To,
		Direction:      direction,
		Text:           firstNonNil(r.Text, r.Body),
		Status:         r.Status,
		CreatedAt:      createdAt,
	}), nil
}

func (r conversationRecord) toRemote() (RemoteConversation, error) {
	conv := RemoteConversation{
		ID:            strings.TrimSpace(r.ID),
		Name:          strings.TrimSpace(derefString(r.Name)),
		PhoneNumberID: strings.TrimSpace(r.PhoneNumberID),
		Participants:  normalizeStringSlice(r.Participants),
	}
	if raw := strings.TrimSpace(r.LastActivityAt); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return RemoteConversation{}, fmt.Errorf("conversation %s: lastActivityAt: %w", r.ID, err)
		}
		conv.LastActivityAt = at
	}
	return conv, nil
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
