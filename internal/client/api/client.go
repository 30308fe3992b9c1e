package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chatentity "github.com/vadim/atom/internal/domain/chat/entity"
	notifentity "github.com/vadim/atom/internal/domain/notification/entity"
	postentity "github.com/vadim/atom/internal/domain/post/entity"
)

const defaultTimeout = 30 * time.Second

// Client calls the Atom REST API on behalf of one signed-in user
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// New creates a client for the API rooted at baseURL, e.g. http://host/api/v1
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx answer from the API
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// NotificationList is the notifications of the signed-in user with the unread count
type NotificationList struct {
	Notifications []notifentity.Notification `json:"notifications"`
	UnreadCount   int64                      `json:"unread_count"`
}

// ListChats returns the conversations of the signed-in user
func (c *Client) ListChats(ctx context.Context) ([]chatentity.Conversation, error) {
	var out struct {
		Chats []chatentity.Conversation `json:"chats"`
	}
	if err := c.call(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// GetChat returns a conversation with its participants and first page of messages
func (c *Client) GetChat(ctx context.Context, conversationID string) (*chatentity.Conversation, error) {
	var out chatentity.Conversation
	if err := c.call(ctx, http.MethodGet, "/chats/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a text message, optionally as a reply
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, replyTo *string) (*chatentity.Message, error) {
	body := map[string]any{"content": content}
	if replyTo != nil {
		body["reply_to"] = *replyTo
	}

	var out chatentity.Message
	path := "/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces the text of one of the user's messages
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, newText string) (*chatentity.Message, error) {
	var out chatentity.Message
	path := "/chats/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	if err := c.call(ctx, http.MethodPatch, path, map[string]string{"new_text": newText}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage deletes one of the user's messages
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := "/chats/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// Notifications returns the newest notifications and the unread count
func (c *Client) Notifications(ctx context.Context) (*NotificationList, error) {
	var out NotificationList
	if err := c.call(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAllRead marks every notification of the user read
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/notifications/read", nil, nil)
}

// All returns a page of the global feed
func (c *Client) All(ctx context.Context, params postentity.PageParams) (*postentity.Page, error) {
	return c.page(ctx, "/posts", withParams(url.Values{"feed": {"all"}}, params))
}

// Personal returns a page of the recommendation feed
func (c *Client) Personal(ctx context.Context, params postentity.PageParams) (*postentity.Page, error) {
	return c.page(ctx, "/posts", withParams(url.Values{"feed": {"personal"}}, params))
}

// UserPosts returns a page of posts by one author
func (c *Client) UserPosts(ctx context.Context, userID string, params postentity.PageParams) (*postentity.Page, error) {
	return c.page(ctx, "/users/"+url.PathEscape(userID)+"/posts", withParams(url.Values{}, params))
}

// Replies returns a page of replies to a post
func (c *Client) Replies(ctx context.Context, postID string, params postentity.PageParams) (*postentity.Page, error) {
	return c.page(ctx, "/posts/"+url.PathEscape(postID)+"/replies", withParams(url.Values{}, params))
}

// Search returns a page of posts matching text
func (c *Client) Search(ctx context.Context, text string, params postentity.PageParams) (*postentity.Page, error) {
	return c.page(ctx, "/posts/search", withParams(url.Values{"q": {text}}, params))
}

// CreatePostInput represents a new post with local image files
type CreatePostInput struct {
	Text       string
	ImagePaths []string
	ReplyTo    *string
}

// CreatePost uploads the post with its images and returns the new id
func (c *Client) CreatePost(ctx context.Context, in CreatePostInput) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("text", in.Text); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	if in.ReplyTo != nil {
		if err := mw.WriteField("reply_to", *in.ReplyTo); err != nil {
			return "", fmt.Errorf("writing form: %w", err)
		}
	}
	for _, path := range in.ImagePaths {
		if err := attachFile(mw, "images", path); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/posts", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("writing form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copying image: %w", err)
	}
	return nil
}

func (c *Client) page(ctx context.Context, path string, query url.Values) (*postentity.Page, error) {
	var out postentity.Page
	if err := c.call(ctx, http.MethodGet, path+"?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func withParams(q url.Values, p postentity.PageParams) url.Values {
	q.Set("total_page", strconv.Itoa(p.TotalPage))
	q.Set("recommendation_index", strconv.Itoa(p.RecommendationIndex))
	q.Set("page_on_index", strconv.Itoa(p.PageOnIndex))
	return q
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do executes an HTTP request and decodes the response
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
