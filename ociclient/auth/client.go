package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ocidist/ocidist/ociclient/errdef"
)

// DefaultClientID is the client_id sent on token-endpoint requests and
// used to build the default User-Agent.
const DefaultClientID = "ocidist-go"

// HTTPDoer is the minimal interface Client needs from an *http.Client,
// letting tests substitute a fake round tripper without dragging in the
// whole net/http client machinery.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is a transport that authenticates requests to OCI
// distribution-spec registries, retrying once on 401 using its Cache and
// ScopeManager to decide what to present and its CredentialProvider to
// obtain new credentials. It is the sole owner of its Cache and
// ScopeManager — nothing here reaches for process-wide state.
type Client struct {
	// HTTPClient sends the requests. If nil, http.DefaultClient is used.
	HTTPClient HTTPDoer
	// Credentials resolves login material per host. If nil, only
	// anonymous/Bearer-without-credential flows are attempted.
	Credentials CredentialProvider
	// ClientID is sent as client_id on token-endpoint requests and
	// becomes part of the default User-Agent.
	ClientID string
	// Log receives structured debug/warn entries for the auth retry
	// loop. Nil disables logging.
	Log *logrus.Logger

	cache *Cache
	scope *ScopeManager

	mu            sync.Mutex
	customHeaders http.Header
}

// NewClient returns a ready-to-use Client with its own Cache and
// ScopeManager.
func NewClient() *Client {
	return &Client{
		ClientID: DefaultClientID,
		Log:      nullLogger(),
		cache:    NewCache(),
		scope:    NewScopeManager(),
	}
}

func nullLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// Cache exposes the client's token cache, e.g. so a Repository can share
// it across multiple clients pointed at the same registry host.
func (c *Client) Cache() *Cache { return c.cache }

// Scopes exposes the client's ScopeManager.
func (c *Client) Scopes() *ScopeManager { return c.scope }

// SetCustomHeaders atomically replaces the header set merged into every
// outgoing request after cache injection, last, so callers can override
// anything the auth layer sets.
func (c *Client) SetCustomHeaders(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customHeaders = h.Clone()
}

func (c *Client) httpClient() HTTPDoer {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// WithScopeHint records that an upcoming request to host will need
// the given actions on its repository, so a subsequent 401's token
// request carries the accumulated scope rather than just the challenged
// one. Call before Do for any operation that issues more than one
// request to the same repository.
func (c *Client) WithScopeHint(host, repository string, actions ...Action) {
	c.scope.Add(host, NewScope("repository", repository, actions...))
}

// Do sends req, injecting a cached credential if one covers it, and
// retries exactly once on a 401 after completing the challenge/token
// exchange. A second 401 after the retry is returned to the caller as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	if req.Header.Get("Authorization") == "" {
		c.injectCached(req, host)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.clientID())
	}
	c.applyCustomHeaders(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenges := ParseChallenges(resp.Header.Values("Www-Authenticate"))
	resp.Body.Close()

	retryReq, rerr := rewind(req)
	if rerr != nil {
		return nil, fmt.Errorf("rewinding request after 401: %w", rerr)
	}

	scheme, token, err := c.authenticate(req.Context(), host, challenges)
	if err != nil {
		return nil, err
	}

	setAuthHeader(retryReq, scheme, token)
	c.applyCustomHeaders(retryReq)
	resp2, err := c.httpClient().Do(retryReq)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		c.Log.WithFields(logrus.Fields{"host": host}).Warn("authentication retry still unauthorized")
	}
	return resp2, nil
}

func (c *Client) injectCached(req *http.Request, host string) {
	scheme, ok := c.cache.Scheme(host)
	if !ok {
		return
	}
	switch scheme {
	case SchemeBasic:
		if tok, ok := c.cache.TryGetToken(host, SchemeBasic, ""); ok {
			req.Header.Set("Authorization", "Basic "+tok)
		}
	case SchemeBearer:
		key := c.scope.ScopeString(host)
		if tok, ok := c.cache.TryGetToken(host, SchemeBearer, key); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func (c *Client) applyCustomHeaders(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, vs := range c.customHeaders {
		req.Header[k] = append([]string(nil), vs...)
	}
}

func setAuthHeader(req *http.Request, scheme Scheme, token string) {
	req.Header.Set("Authorization", scheme.String()+" "+token)
}

// authenticate runs the 401-recovery half of the pipeline: pick Bearer
// over Basic when both are challenged, obtain a token, and cache it.
func (c *Client) authenticate(ctx context.Context, host string, challenges []Challenge) (Scheme, string, error) {
	var bearer, basic *Challenge
	for i := range challenges {
		switch challenges[i].Scheme {
		case SchemeBearer:
			if bearer == nil {
				bearer = &challenges[i]
			}
		case SchemeBasic:
			if basic == nil {
				basic = &challenges[i]
			}
		}
	}

	var cred Credential
	var err error
	if c.Credentials != nil {
		cred, err = c.Credentials.Credential(ctx, host)
		if err != nil {
			return 0, "", fmt.Errorf("%w: resolving credential for %s: %s", errdef.ErrAuthentication, host, err)
		}
	}

	if bearer != nil {
		token, err := c.bearerToken(ctx, host, *bearer, cred)
		if err != nil {
			return 0, "", err
		}
		key := c.scope.ScopeString(host)
		c.cache.Set(host, SchemeBearer, key, token)
		return SchemeBearer, token, nil
	}
	if basic != nil {
		if cred.Username == "" || cred.Password == "" {
			return 0, "", fmt.Errorf("%w: no username/password for %s", errdef.ErrAuthentication, host)
		}
		token := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
		c.cache.Set(host, SchemeBasic, "", token)
		return SchemeBasic, token, nil
	}
	return 0, "", fmt.Errorf("%w: no recognized challenge from %s", errdef.ErrAuthentication, host)
}

// bearerToken resolves an access token for a Bearer challenge, via the
// OAuth2-style grant endpoint when a refresh token or password is
// available, falling back to the distribution "GET realm?service=&scope="
// form otherwise.
func (c *Client) bearerToken(ctx context.Context, host string, ch Challenge, cred Credential) (string, error) {
	realm := ch.Params["realm"]
	service := ch.Params["service"]
	challengedScope := ch.Params["scope"]

	var scopeParts []string
	if challengedScope != "" {
		scopeParts = append(scopeParts, challengedScope)
	}
	accumulated := c.scope.ScopeString(host)
	if accumulated != "" {
		scopeParts = append(scopeParts, accumulated)
	}
	scope := strings.Join(dedupFields(scopeParts), " ")

	if realm == "" {
		return "", fmt.Errorf("%w: bearer challenge missing realm", errdef.ErrAuthentication)
	}

	if cred.RefreshToken != "" || (cred.Username != "" && cred.Password != "") {
		return c.tokenViaGrant(ctx, realm, service, scope, cred)
	}
	return c.tokenViaDistributionEndpoint(ctx, realm, service, scope, cred)
}

func dedupFields(parts []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range parts {
		for _, f := range strings.Fields(p) {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

func (c *Client) tokenViaGrant(ctx context.Context, realm, service, scope string, cred Credential) (string, error) {
	form := url.Values{}
	if cred.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.RefreshToken)
	} else {
		form.Set("grant_type", "password")
		form.Set("username", cred.Username)
		form.Set("password", cred.Password)
	}
	if service != "" {
		form.Set("service", service)
	}
	form.Set("client_id", c.clientID())
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.clientID())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", responseError(resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %s", errdef.ErrAuthentication, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token from %s", errdef.ErrAuthentication, realm)
	}
	return body.AccessToken, nil
}

func (c *Client) tokenViaDistributionEndpoint(ctx context.Context, realm, service, scope string, cred Credential) (string, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("%w: invalid realm %q: %s", errdef.ErrAuthentication, realm, err)
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if cred.Username != "" && cred.Password != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
	req.Header.Set("User-Agent", c.clientID())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", responseError(resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %s", errdef.ErrAuthentication, err)
	}
	tok := body.AccessToken
	if tok == "" {
		tok = body.Token
	}
	if tok == "" {
		return "", fmt.Errorf("%w: empty token from %s", errdef.ErrAuthentication, realm)
	}
	return tok, nil
}

func (c *Client) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return DefaultClientID
}

// responseError wraps a non-2xx token-endpoint response as a
// *errdef.ResponseError carrying the upstream error array, the same
// shape registry operations surface for their own failures.
func responseError(resp *http.Response) error {
	var body struct {
		Errors []errdef.ErrorInfo `json:"errors"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &errdef.ResponseError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Errors:     body.Errors,
	}
}

// rewind returns a fresh *http.Request with the same method, URL, and
// headers as req, and its body reset to the start via GetBody. Per the
// "streams and rewind" design note, a non-seekable body (no GetBody) is a
// hard failure rather than a silent resend of a partially-read body.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not seekable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
