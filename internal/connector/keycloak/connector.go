// Package keycloak adapts the Keycloak admin REST API as the internal directory.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"github.com/dhawalhost/dirsync/internal/tokencache"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	pageSize           = 100
	externalIDAttr     = "externalId"
	adminClientID      = "admin-cli"
	defaultHTTPTimeout = 30 * time.Second
)

// Config holds the admin connection settings.
type Config struct {
	// BaseURL is the server root including any legacy "/auth" prefix.
	BaseURL  string
	Realm    string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// Connector talks to one realm through the admin API.
type Connector struct {
	config     Config
	httpClient *http.Client
	tokens     *tokencache.Cache
	logger     *zap.Logger
}

// New creates a Keycloak connector. The admin token is cached for
// tokencache.AdminTokenMargin.
func New(config Config, logger *zap.Logger) *Connector {
	if config.Timeout == 0 {
		config.Timeout = defaultHTTPTimeout
	}
	if config.ClientID == "" {
		config.ClientID = adminClientID
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	c := &Connector{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
	c.tokens = tokencache.New(c.fetchToken, tokencache.AdminTokenMargin)
	return c
}

// AdminToken returns the cached master-realm admin token.
func (c *Connector) AdminToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

func (c *Connector) fetchToken(ctx context.Context) (string, error) {
	oc := oauth2.Config{
		ClientID: c.config.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.config.BaseURL + "/realms/master/protocol/openid-connect/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := oc.PasswordCredentialsToken(ctx, c.config.Username, c.config.Password)
	if err != nil {
		c.logger.Error("Keycloak admin token request failed", zap.Error(err))
		return "", connector.Unavailable("keycloak token endpoint", err)
	}
	c.checkLifetime(tok.AccessToken)
	return tok.AccessToken, nil
}

// checkLifetime warns when the issuer hands out tokens that expire before the
// cache would drop them.
func (c *Connector) checkLifetime(accessToken string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if remaining := time.Until(exp.Time); remaining < tokencache.AdminTokenMargin {
		c.logger.Warn("Keycloak admin token lifetime is shorter than the cache margin",
			zap.Duration("lifetime", remaining),
			zap.Duration("margin", tokencache.AdminTokenMargin))
	}
}

// ListGroups returns the realm's top-level groups (tenants).
func (c *Connector) ListGroups(ctx context.Context) ([]connector.Group, error) {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return nil, err
	}
	var reps []groupRepresentation
	if err := listAll(ctx, c, token, "/groups", nil, &reps); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	groups := make([]connector.Group, len(reps))
	for i, g := range reps {
		groups[i] = connector.Group{ID: g.ID, Name: g.Name}
	}
	return groups, nil
}

// ListRoles returns the realm role catalog.
func (c *Connector) ListRoles(ctx context.Context) ([]connector.Role, error) {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return nil, err
	}
	var reps []roleRepresentation
	if err := listAll(ctx, c, token, "/roles", nil, &reps); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	roles := make([]connector.Role, len(reps))
	for i, r := range reps {
		roles[i] = connector.Role{ID: r.ID, Name: r.Name, Catalog: r.Name}
	}
	return roles, nil
}

// ListLinkedUsers returns the identity index: users carrying an external id
// other than connector.NotLinkedExternalID.
func (c *Connector) ListLinkedUsers(ctx context.Context) ([]connector.IndexEntry, error) {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return nil, err
	}
	var reps []userRepresentation
	query := url.Values{"briefRepresentation": {"false"}}
	if err := listAll(ctx, c, token, "/users", query, &reps); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	index := make([]connector.IndexEntry, 0, len(reps))
	for _, u := range reps {
		ext, ok := u.externalID()
		if !ok || ext == connector.NotLinkedExternalID {
			continue
		}
		index = append(index, connector.IndexEntry{InternalID: u.ID, ExternalID: ext})
	}
	return index, nil
}

// GetUserExternalID reads the external id attribute of one user.
func (c *Connector) GetUserExternalID(ctx context.Context, internalID string) (string, error) {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return "", err
	}
	var rep userRepresentation
	if _, err := c.do(ctx, token, http.MethodGet, "/users/"+url.PathEscape(internalID), nil, &rep); err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	ext, ok := rep.externalID()
	if !ok {
		return "", fmt.Errorf("user with internal id %s has no external id", internalID)
	}
	return ext, nil
}

// CreateUser creates the user linked to externalID and returns its new id.
func (c *Connector) CreateUser(ctx context.Context, token string, user connector.User, externalID string) (string, error) {
	header, err := c.do(ctx, token, http.MethodPost, "/users", toRepresentation(user, externalID), nil)
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	location := header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("create user: no Location header in response")
	}
	return path.Base(location), nil
}

// UpdateUser overwrites the profile of an existing user.
func (c *Connector) UpdateUser(ctx context.Context, token, internalID string, user connector.User, externalID string) error {
	if _, err := c.do(ctx, token, http.MethodPut, "/users/"+url.PathEscape(internalID), toRepresentation(user, externalID), nil); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// DeleteUser removes a user.
func (c *Connector) DeleteUser(ctx context.Context, token, internalID string) error {
	if _, err := c.do(ctx, token, http.MethodDelete, "/users/"+url.PathEscape(internalID), nil, nil); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// AssignRealmRoles grants roles to a user, one grant per role id.
func (c *Connector) AssignRealmRoles(ctx context.Context, token, internalID string, roles []connector.Role) error {
	grants := connector.User{Roles: roles}.GrantedRoles()
	if len(grants) == 0 {
		return nil
	}
	body := make([]roleRepresentation, len(grants))
	for i, r := range grants {
		body[i] = roleRepresentation{ID: r.ID, Name: r.Catalog}
	}
	if _, err := c.do(ctx, token, http.MethodPost, "/users/"+url.PathEscape(internalID)+"/role-mappings/realm", body, nil); err != nil {
		return fmt.Errorf("assign roles: %w", err)
	}
	return nil
}

// JoinGroups makes the user a member of every group.
func (c *Connector) JoinGroups(ctx context.Context, token, internalID string, groups []connector.Group) error {
	for _, g := range groups {
		p := "/users/" + url.PathEscape(internalID) + "/groups/" + url.PathEscape(g.ID)
		if _, err := c.do(ctx, token, http.MethodPut, p, nil, nil); err != nil {
			return fmt.Errorf("join group %s: %w", g.Name, err)
		}
	}
	return nil
}

// ListUserRealmRoles returns the realm roles mapped directly to a user.
func (c *Connector) ListUserRealmRoles(ctx context.Context, token, internalID string) ([]connector.Role, error) {
	var reps []roleRepresentation
	if _, err := c.do(ctx, token, http.MethodGet, "/users/"+url.PathEscape(internalID)+"/role-mappings/realm", nil, &reps); err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	roles := make([]connector.Role, len(reps))
	for i, r := range reps {
		roles[i] = connector.Role{ID: r.ID, Name: r.Name, Catalog: r.Name}
	}
	return roles, nil
}

// RevokeRealmRoles removes realm role mappings from a user.
func (c *Connector) RevokeRealmRoles(ctx context.Context, token, internalID string, roles []connector.Role) error {
	revoked := connector.User{Roles: roles}.GrantedRoles()
	if len(revoked) == 0 {
		return nil
	}
	body := make([]roleRepresentation, len(revoked))
	for i, r := range revoked {
		body[i] = roleRepresentation{ID: r.ID, Name: r.Catalog}
	}
	if _, err := c.do(ctx, token, http.MethodDelete, "/users/"+url.PathEscape(internalID)+"/role-mappings/realm", body, nil); err != nil {
		return fmt.Errorf("revoke roles: %w", err)
	}
	return nil
}

// ListUserGroups returns the groups a user is a member of.
func (c *Connector) ListUserGroups(ctx context.Context, token, internalID string) ([]connector.Group, error) {
	var reps []groupRepresentation
	if err := listAll(ctx, c, token, "/users/"+url.PathEscape(internalID)+"/groups", nil, &reps); err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	groups := make([]connector.Group, len(reps))
	for i, g := range reps {
		groups[i] = connector.Group{ID: g.ID, Name: g.Name}
	}
	return groups, nil
}

// LeaveGroups removes the user from every group.
func (c *Connector) LeaveGroups(ctx context.Context, token, internalID string, groups []connector.Group) error {
	for _, g := range groups {
		p := "/users/" + url.PathEscape(internalID) + "/groups/" + url.PathEscape(g.ID)
		if _, err := c.do(ctx, token, http.MethodDelete, p, nil, nil); err != nil {
			return fmt.Errorf("leave group %s: %w", g.Name, err)
		}
	}
	return nil
}

// ClearUserCache invalidates the realm's user cache.
func (c *Connector) ClearUserCache(ctx context.Context) error {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, token, http.MethodPost, "/clear-user-cache", nil, nil); err != nil {
		return fmt.Errorf("clear user cache: %w", err)
	}
	return nil
}

func listAll[T any](ctx context.Context, c *Connector, token, p string, query url.Values, out *[]T) error {
	for first := 0; ; first += pageSize {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("first", fmt.Sprint(first))
		q.Set("max", fmt.Sprint(pageSize))

		var page []T
		if _, err := c.do(ctx, token, http.MethodGet, p+"?"+q.Encode(), nil, &page); err != nil {
			return err
		}
		*out = append(*out, page...)
		if len(page) < pageSize {
			return nil
		}
	}
}

func (c *Connector) do(ctx context.Context, token, method, p string, body, out interface{}) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.config.BaseURL + "/admin/realms/" + url.PathEscape(c.config.Realm) + p
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connector.Unavailable("keycloak", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		respBody, _ := io.ReadAll(resp.Body)
		return nil, connector.Classify(resp.StatusCode, respBody)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

type groupRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type roleRepresentation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type userRepresentation struct {
	ID         string              `json:"id,omitempty"`
	Username   string              `json:"username"`
	Email      string              `json:"email"`
	FirstName  string              `json:"firstName"`
	LastName   string              `json:"lastName"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

func (u userRepresentation) externalID() (string, bool) {
	values := u.Attributes[externalIDAttr]
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

func toRepresentation(user connector.User, externalID string) userRepresentation {
	enabled := true
	if user.Enabled != nil {
		enabled = *user.Enabled
	}
	rep := userRepresentation{
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Enabled:   enabled,
	}
	if externalID != "" {
		rep.Attributes = map[string][]string{externalIDAttr: {externalID}}
	}
	return rep
}
