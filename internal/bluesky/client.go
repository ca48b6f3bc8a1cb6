package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/golang-jwt/jwt/v5"
)

const defaultPDS = "https://bsky.social"

// Client is a minimal AT Protocol client for one account's repository. It
// implements domain.RepoWriter once logged in or resumed.
type Client struct {
	httpClient *http.Client

	mu      sync.RWMutex
	pds     string
	session domain.Session
}

var _ domain.RepoWriter = (*Client)(nil)

// NewClient creates a new API client. If pds is empty, it defaults to
// https://bsky.social.
func NewClient(pds string) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	return &Client{
		pds: strings.TrimRight(pds, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Resume binds the client to a stored session.
func Resume(s *domain.Session) *Client {
	c := NewClient(s.PDS)
	c.session = *s
	return c
}

// Login authenticates with the PDS and stores the session tokens. Use an App
// Password, not your account password. When the account lives on another
// PDS the client switches to it.
func (c *Client) Login(ctx context.Context, identifier, password string) (*domain.Session, error) {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp sessionResponse
	if err := c.post(ctx, "/xrpc/com.atproto.server.createSession", "", body, &resp); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return c.setSession(&resp), nil
}

// Refresh exchanges the refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) (*domain.Session, error) {
	c.mu.RLock()
	refresh := c.session.RefreshJWT
	c.mu.RUnlock()
	if refresh == "" {
		return nil, fmt.Errorf("not authenticated: call Login first")
	}

	var resp sessionResponse
	if err := c.post(ctx, "/xrpc/com.atproto.server.refreshSession", refresh, nil, &resp); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return c.setSession(&resp), nil
}

// Session returns a copy of the current session.
func (c *Client) Session() *domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.session
	return &s
}

// AccessExpiresWithin reports whether the access token expires within d.
// Tokens whose expiry cannot be read are treated as expiring.
func (c *Client) AccessExpiresWithin(d time.Duration) bool {
	c.mu.RLock()
	token := c.session.AccessJWT
	c.mu.RUnlock()

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) < d
}

// DID returns the authenticated user's DID. Only valid after Login or Resume.
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.DID
}

// CreateRecord creates a record with a repository-assigned key via
// com.atproto.repo.createRecord and returns its URI.
func (c *Client) CreateRecord(ctx context.Context, collection string, record any) (string, error) {
	const op = "createRecord"
	did, token, err := c.credentials()
	if err != nil {
		return "", remoteError(op, err)
	}

	body := createRecordRequest{
		Repo:       did,
		Collection: collection,
		Record:     record,
	}

	var resp recordResponse
	if err := c.post(ctx, "/xrpc/com.atproto.repo.createRecord", token, body, &resp); err != nil {
		return "", remoteError(op, err)
	}
	return resp.URI, nil
}

// PutRecord creates or replaces the record at rkey via
// com.atproto.repo.putRecord.
func (c *Client) PutRecord(ctx context.Context, collection, rkey string, record any) (string, error) {
	const op = "putRecord"
	did, token, err := c.credentials()
	if err != nil {
		return "", remoteError(op, err)
	}

	body := putRecordRequest{
		Repo:       did,
		Collection: collection,
		RKey:       rkey,
		Record:     record,
	}

	var resp recordResponse
	if err := c.post(ctx, "/xrpc/com.atproto.repo.putRecord", token, body, &resp); err != nil {
		return "", remoteError(op, err)
	}
	return resp.URI, nil
}

// DeleteRecord deletes a record via com.atproto.repo.deleteRecord. Deleting
// a record that does not exist succeeds.
func (c *Client) DeleteRecord(ctx context.Context, collection, rkey string) error {
	const op = "deleteRecord"
	did, token, err := c.credentials()
	if err != nil {
		return remoteError(op, err)
	}

	body := deleteRecordRequest{
		Repo:       did,
		Collection: collection,
		RKey:       rkey,
	}

	var resp json.RawMessage
	if err := c.post(ctx, "/xrpc/com.atproto.repo.deleteRecord", token, body, &resp); err != nil {
		return remoteError(op, err)
	}
	return nil
}

func (c *Client) credentials() (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.AccessJWT == "" {
		return "", "", &APIError{StatusCode: http.StatusUnauthorized, Name: "AuthRequired", Message: "not authenticated"}
	}
	return c.session.DID, c.session.AccessJWT, nil
}

func (c *Client) setSession(resp *sessionResponse) *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.DIDDoc != nil {
		ident := identity.ParseIdentity(resp.DIDDoc)
		if pds := ident.PDSEndpoint(); pds != "" {
			c.pds = strings.TrimRight(pds, "/")
		}
	}
	c.session = domain.Session{
		DID:        resp.DID,
		Handle:     resp.Handle,
		PDS:        c.pds,
		AccessJWT:  resp.AccessJwt,
		RefreshJWT: resp.RefreshJwt,
		UpdatedAt:  time.Now().UTC(),
	}
	s := c.session
	return &s
}

func (c *Client) post(ctx context.Context, path, token string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	c.mu.RLock()
	endpoint := c.pds + path
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			apiErr.Name = eb.Name
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

type sessionResponse struct {
	AccessJwt  string                `json:"accessJwt"`
	RefreshJwt string                `json:"refreshJwt"`
	DID        string                `json:"did"`
	Handle     string                `json:"handle"`
	DIDDoc     *identity.DIDDocument `json:"didDoc,omitempty"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type putRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
	Record     any    `json:"record"`
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

type recordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}
