// Package engine adapts the tenant-aware user-management REST API that acts as
// the external directory.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"github.com/dhawalhost/dirsync/internal/tokencache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pageSize       = 100
	defaultTimeout = 30 * time.Second

	usersPath     = "/api/telemetria/users/"
	customersPath = "/api/telemetria/customers/"
	accessPath    = "/api/telemetria/sonar-web/sw_access/"
)

// Config holds the external API settings.
type Config struct {
	BaseURL  string
	Login    string
	Password string
	App      string
	// RateLimit caps outbound requests per second. Zero disables the limit.
	RateLimit float64
	Timeout   time.Duration
}

// Connector is the external-directory adapter.
type Connector struct {
	baseURL    string
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     *tokencache.Cache
	logger     *zap.Logger
}

// New creates the adapter. The API token is cached for
// tokencache.ExternalTokenMargin.
func New(config Config, logger *zap.Logger) *Connector {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	limit := rate.Inf
	burst := 1
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
		burst = int(config.RateLimit) + 1
	}
	c := &Connector{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
	c.tokens = tokencache.New(c.login, tokencache.ExternalTokenMargin)
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	App      string `json:"app"`
}

type tokenResponse struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

func (c *Connector) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{Email: c.config.Login, Password: c.config.Password, App: c.config.App})
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("External API not available", zap.Error(err))
		return "", connector.Unavailable("external token endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("External API not available", zap.Int("status", resp.StatusCode))
		return "", connector.Unavailable("external token endpoint", fmt.Errorf("status %d", resp.StatusCode))
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", connector.Unavailable("external token endpoint", err)
	}
	if tok.Access == "" {
		return "", connector.Unavailable("external token endpoint", fmt.Errorf("empty access token"))
	}
	return tok.Access, nil
}

type page[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func listAll[T any](ctx context.Context, c *Connector, op, p string) ([]T, error) {
	var all []T
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("pageSize", strconv.Itoa(pageSize))

		var pg page[T]
		if err := c.do(ctx, op, "", http.MethodGet, p+"?"+q.Encode(), nil, &pg); err != nil {
			return nil, err
		}
		all = append(all, pg.Results...)
		if len(pg.Results) < pageSize {
			return all, nil
		}
	}
}

// ListUsers returns every external user.
func (c *Connector) ListUsers(ctx context.Context) ([]connector.ExternalUser, error) {
	users, err := listAll[connector.ExternalUser](ctx, c, "ListUsers", usersPath)
	if err != nil {
		return nil, fmt.Errorf("list external users: %w", err)
	}
	return users, nil
}

// ListCustomers returns every external tenant.
func (c *Connector) ListCustomers(ctx context.Context) ([]connector.Customer, error) {
	customers, err := listAll[connector.Customer](ctx, c, "ListCustomers", customersPath)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return customers, nil
}

// ListAccess returns every tenant access record.
func (c *Connector) ListAccess(ctx context.Context) ([]connector.Access, error) {
	access, err := listAll[connector.Access](ctx, c, "ListAccess", accessPath)
	if err != nil {
		return nil, fmt.Errorf("list access records: %w", err)
	}
	return access, nil
}

// FindCustomerID returns the id of the named customer, or 0 when absent.
func (c *Connector) FindCustomerID(ctx context.Context, name string) (int, error) {
	customers, err := c.ListCustomers(ctx)
	if err != nil {
		return 0, err
	}
	for _, cu := range customers {
		if cu.Name == name {
			return cu.ID, nil
		}
	}
	return 0, nil
}

func (c *Connector) findAccessID(ctx context.Context, userID, customerID int) (int, error) {
	access, err := c.ListAccess(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range access {
		if a.Customer.ID == customerID && a.User.ID == userID {
			return a.ID, nil
		}
	}
	return 0, nil
}

// GetUser fetches one user. Federated ids of the form "a:b:<id>" are accepted.
// Roles come back tenant-scoped, one per customer role.
func (c *Connector) GetUser(ctx context.Context, id string) (connector.User, error) {
	if parts := strings.Split(id, ":"); len(parts) > 2 {
		id = parts[2]
	}
	var ext connector.ExternalUser
	if err := c.do(ctx, "GetUser", "", http.MethodGet, usersPath+url.PathEscape(id)+"/", nil, &ext); err != nil {
		return connector.User{}, fmt.Errorf("get external user: %w", err)
	}
	user := connector.User{
		ID:        ext.ExternalID(),
		Username:  ext.Username,
		Email:     ext.Email,
		FirstName: ext.FirstName,
		LastName:  ext.LastName,
		Enabled:   ext.IsActive,
	}
	for _, cu := range ext.Customers {
		for _, role := range cu.Roles {
			user.Roles = append(user.Roles, connector.Role{ID: strconv.Itoa(cu.ID), Tenant: cu.Name, Name: role})
		}
	}
	return user, nil
}

type userPayload struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	IsActive  *bool  `json:"is_active,omitempty"`
	Password  string `json:"password,omitempty"`
}

type accessPayload struct {
	IsActive bool     `json:"is_active"`
	User     int      `json:"user"`
	Customer int      `json:"customer"`
	Roles    []string `json:"sw_roles"`
}

type passwordPayload struct {
	Password string `json:"password"`
}

// CreateUser creates the user and, when it holds roles for tenant, the
// matching access record. It returns the new external id.
func (c *Connector) CreateUser(ctx context.Context, user connector.User, tenant string) (string, error) {
	if user.Password != "" {
		if err := ValidatePassword(user.Password); err != nil {
			c.logger.Error("Cannot add user because password requirements not passed", zap.String("email", user.Email))
			return "", err
		}
	}
	customerID, err := c.FindCustomerID(ctx, tenant)
	if err != nil {
		return "", err
	}

	payload := userPayload{
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		IsActive:  user.Enabled,
		Password:  user.Password,
	}
	var created connector.ExternalUser
	if err := c.do(ctx, "CreateUser", user.Email, http.MethodPost, usersPath, payload, &created); err != nil {
		return "", fmt.Errorf("create external user: %w", err)
	}

	if roles := connector.RoleNamesForTenant(user.Roles, tenant); len(roles) > 0 {
		if err := c.CreateAccess(ctx, created.ID, customerID, roles); err != nil {
			return "", err
		}
	}
	return created.ExternalID(), nil
}

// UpdateUser patches the profile, resets the password when one is given, and
// then rewrites or removes the tenant access record.
func (c *Connector) UpdateUser(ctx context.Context, externalID string, user connector.User, tenant string) error {
	userID, err := strconv.Atoi(externalID)
	if err != nil {
		return fmt.Errorf("invalid external id %q: %w", externalID, err)
	}
	payload := userPayload{
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		IsActive:  user.Enabled,
	}
	if err := c.do(ctx, "UpdateUser", user.Email, http.MethodPatch, usersPath+externalID+"/", payload, nil); err != nil {
		return fmt.Errorf("update external user: %w", err)
	}
	if user.Password != "" {
		if err := c.ChangePassword(ctx, userID, user.Password); err != nil {
			return err
		}
	}

	customerID, err := c.FindCustomerID(ctx, tenant)
	if err != nil {
		return err
	}
	accessID, err := c.findAccessID(ctx, userID, customerID)
	if err != nil {
		return err
	}
	roles := connector.RoleNamesForTenant(user.Roles, tenant)
	switch {
	case accessID == 0 && len(roles) > 0:
		return c.CreateAccess(ctx, userID, customerID, roles)
	case accessID == 0:
		return nil
	case len(roles) > 0:
		return c.UpdateAccess(ctx, accessID, userID, customerID, roles)
	default:
		return c.DeleteAccess(ctx, accessID)
	}
}

// DeleteUser removes the user.
func (c *Connector) DeleteUser(ctx context.Context, externalID string) error {
	if err := c.do(ctx, "DeleteUser", "", http.MethodDelete, usersPath+url.PathEscape(externalID)+"/", nil, nil); err != nil {
		return fmt.Errorf("delete external user: %w", err)
	}
	return nil
}

// ChangePassword resets a user's password after checking the complexity policy.
func (c *Connector) ChangePassword(ctx context.Context, userID int, password string) error {
	if password == "" {
		return nil
	}
	if err := ValidatePassword(password); err != nil {
		c.logger.Error("Cannot change password because requirements not passed", zap.Int("user_id", userID))
		return err
	}
	p := usersPath + strconv.Itoa(userID) + "/reset_password/"
	if err := c.do(ctx, "ChangePassword", "", http.MethodPost, p, passwordPayload{Password: password}, nil); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	return nil
}

// CreateAccess grants roles on a customer.
func (c *Connector) CreateAccess(ctx context.Context, userID, customerID int, roles []string) error {
	payload := accessPayload{IsActive: true, User: userID, Customer: customerID, Roles: roles}
	if err := c.do(ctx, "CreateAccess", "", http.MethodPost, accessPath, payload, nil); err != nil {
		return fmt.Errorf("create access: %w", err)
	}
	return nil
}

// UpdateAccess replaces the roles of an access record.
func (c *Connector) UpdateAccess(ctx context.Context, accessID, userID, customerID int, roles []string) error {
	payload := accessPayload{IsActive: true, User: userID, Customer: customerID, Roles: roles}
	if err := c.do(ctx, "UpdateAccess", "", http.MethodPut, accessPath+strconv.Itoa(accessID)+"/", payload, nil); err != nil {
		return fmt.Errorf("update access: %w", err)
	}
	return nil
}

// DeleteAccess removes an access record.
func (c *Connector) DeleteAccess(ctx context.Context, accessID int) error {
	if err := c.do(ctx, "DeleteAccess", "", http.MethodDelete, accessPath+strconv.Itoa(accessID)+"/", nil, nil); err != nil {
		return fmt.Errorf("delete access: %w", err)
	}
	return nil
}

// PasswordHash fetches the hash material for email.
func (c *Connector) PasswordHash(ctx context.Context, email string) (connector.PasswordHash, error) {
	var hash connector.PasswordHash
	p := usersPath + "password_hash/?" + url.Values{"email": {email}}.Encode()
	if err := c.do(ctx, "PasswordHash", email, http.MethodGet, p, nil, &hash); err != nil {
		return connector.PasswordHash{}, fmt.Errorf("fetch password hash: %w", err)
	}
	return hash, nil
}

func (c *Connector) do(ctx context.Context, op, email, method, p string, body, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connector.Unavailable("external API", err)
	}
	defer resp.Body.Close()

	fields := []zap.Field{zap.String("operation", op), zap.Int("status", resp.StatusCode)}
	if email != "" {
		fields = append(fields, zap.String("email", email))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		reason, _ := io.ReadAll(resp.Body)
		c.logger.Error("External API call failed", append(fields, zap.String("reason", string(reason)))...)
		return connector.Classify(resp.StatusCode, reason)
	}
	c.logger.Debug("External API call succeeded", fields...)

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}
