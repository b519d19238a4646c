// Package remote is the HTTP client for the hosted backend. It
// implements both boundary interfaces the core consumes: the auth
// surface behind session.AuthBackend and the PostgREST-style data
// surface behind reconcile.RemoteStore.
//
// Tokens are persisted in the local KV table so a restarted process
// can rehydrate its session without re-prompting for credentials.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/linkden/linkden/internal/model"
	"github.com/linkden/linkden/internal/session"
)

// tokenKey is the KV slot holding the persisted token blob.
const tokenKey = "auth_tokens"

// KV persists the token blob. *store.Store satisfies it.
type KV interface {
	PutKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, error)
	DeleteKV(ctx context.Context, key string) error
}

// tokens is the persisted credential state.
type tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Client talks to the backend's auth and data surfaces.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	kv      KV
	logger  *log.Logger

	mu  sync.Mutex
	tok *tokens
}

// NewClient creates a Client and rehydrates any persisted tokens.
func NewClient(baseURL, apiKey string, kv KV, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		kv:      kv,
		logger:  logger,
	}
	c.loadTokens()
	return c
}

// SetHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}

// loadTokens syncs the in-memory tokens with the KV blob. An absent or
// malformed blob clears them, so a sign-out performed by another
// process over the same database is observed here.
func (c *Client) loadTokens() *tokens {
	if c.kv == nil {
		return c.currentTokens()
	}

	raw, err := c.kv.GetKV(context.Background(), tokenKey)
	if err != nil || raw == "" {
		c.mu.Lock()
		c.tok = nil
		c.mu.Unlock()
		return nil
	}

	var tok tokens
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		c.logger.Printf("Warning: discarding malformed token blob: %v", err)
		c.mu.Lock()
		c.tok = nil
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.tok = &tok
	c.mu.Unlock()
	return &tok
}

func (c *Client) saveTokens(tok *tokens) {
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	if tok == nil {
		if err := c.kv.DeleteKV(context.Background(), tokenKey); err != nil {
			c.logger.Printf("Warning: failed to clear tokens: %v", err)
		}
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		c.logger.Printf("Warning: failed to marshal tokens: %v", err)
		return
	}
	if err := c.kv.PutKV(context.Background(), tokenKey, string(data)); err != nil {
		c.logger.Printf("Warning: failed to persist tokens: %v", err)
	}
}

func (c *Client) currentTokens() *tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok
}

// tokenResponse is the auth surface's grant response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (tr *tokenResponse) toTokens() *tokens {
	return &tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
}

func (tok *tokens) session() model.Session {
	return model.Session{UserID: tok.UserID, ExpiresAt: tok.ExpiresAt}
}

// GetSession implements session.AuthBackend. A session is rebuilt from
// persisted tokens, refreshing once if the access token has expired.
// The KV blob is re-read each call: another process signing out clears
// it, and this process must not resurrect the session from memory.
func (c *Client) GetSession(ctx context.Context) (model.Session, error) {
	tok := c.loadTokens()
	if tok == nil {
		return model.Session{}, session.ErrNoSession
	}
	if time.Now().After(tok.ExpiresAt) {
		return c.RefreshSession(ctx)
	}
	return tok.session(), nil
}

// GetUser implements session.AuthBackend by querying the auth surface
// directly. This is the fallback probe when GetSession cannot resolve.
func (c *Client) GetUser(ctx context.Context) (string, error) {
	tok := c.currentTokens()
	if tok == nil {
		return "", session.ErrNoSession
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", nil, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// RefreshSession implements session.AuthBackend.
func (c *Client) RefreshSession(ctx context.Context) (model.Session, error) {
	tok := c.currentTokens()
	if tok == nil || tok.RefreshToken == "" {
		return model.Session{}, session.ErrNoSession
	}
	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": tok.RefreshToken})
}

// SignIn implements session.AuthBackend.
func (c *Client) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	return c.grant(ctx, "password", map[string]string{"email": email, "password": password})
}

// SignUp implements session.AuthBackend.
func (c *Client) SignUp(ctx context.Context, email, password string) (model.Session, error) {
	var tr tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", nil, body, &tr); err != nil {
		return model.Session{}, err
	}
	tok := tr.toTokens()
	c.saveTokens(tok)
	return tok.session(), nil
}

// SignOut implements session.AuthBackend. Tokens are cleared locally
// even when the revocation call fails.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, nil)
	c.saveTokens(nil)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}
	return nil
}

func (c *Client) grant(ctx context.Context, grantType string, body map[string]string) (model.Session, error) {
	q := url.Values{"grant_type": {grantType}}
	var tr tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token", q, body, &tr); err != nil {
		return model.Session{}, err
	}
	tok := tr.toTokens()
	c.saveTokens(tok)
	return tok.session(), nil
}

// AccessToken returns the current bearer token, empty when signed out.
// The realtime transport uses it for the feed handshake.
func (c *Client) AccessToken() string {
	tok := c.currentTokens()
	if tok == nil {
		return ""
	}
	return tok.AccessToken
}

// UpsertFolder implements reconcile.RemoteStore.
func (c *Client) UpsertFolder(ctx context.Context, f *model.Folder) error {
	return c.upsert(ctx, "/rest/v1/folders", f)
}

// DeleteFolder implements reconcile.RemoteStore.
func (c *Client) DeleteFolder(ctx context.Context, folderID string) error {
	return c.deleteRow(ctx, "/rest/v1/folders", folderID)
}

// ListFolders implements reconcile.RemoteStore.
func (c *Client) ListFolders(ctx context.Context) ([]model.Folder, error) {
	var out []model.Folder
	q := url.Values{"select": {"*"}}
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/folders", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertLink implements reconcile.RemoteStore.
func (c *Client) UpsertLink(ctx context.Context, l *model.Link) error {
	return c.upsert(ctx, "/rest/v1/links", l)
}

// DeleteLink implements reconcile.RemoteStore.
func (c *Client) DeleteLink(ctx context.Context, linkID string) error {
	return c.deleteRow(ctx, "/rest/v1/links", linkID)
}

// ListLinks implements reconcile.RemoteStore.
func (c *Client) ListLinks(ctx context.Context) ([]model.Link, error) {
	var out []model.Link
	q := url.Values{"select": {"*"}}
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/links", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) upsert(ctx context.Context, path string, row any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, row)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	return c.send(req, nil)
}

func (c *Client) deleteRow(ctx context.Context, path, id string) error {
	q := url.Values{"id": {"eq." + id}}
	return c.doJSON(ctx, http.MethodDelete, path, q, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if tok := c.currentTokens(); tok != nil && tok.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return session.ErrNoSession
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
