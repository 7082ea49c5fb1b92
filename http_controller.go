package signup

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"

	"github.com/jedanetworks/go-signup/middleware/csrf"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// RequestContext is the subset of router.Context the handlers use.
type RequestContext interface {
	Context() context.Context
	Queries() map[string]string
	Cookies(key string, defaultValue ...string) string
	Cookie(cookie *router.Cookie)
	Bind(v any) error
	Render(name string, bind any, layout ...string) error
	Redirect(location string, status ...int) error
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// PathPrefix the routes are mounted under (default: "/auth/google")
	PathPrefix string

	// FlowCookie holds the pending registration key (default: "signup_flow")
	FlowCookie string

	// SessionCookie holds the browser session key (default: "signup_sid")
	SessionCookie string

	// AuthCookie receives the token of a committed session (default: "auth_token")
	AuthCookie string

	CookieSecure   bool
	CookieSameSite string

	// RegisterView and CallbackView name the templates (default: "register", "callback")
	RegisterView string
	CallbackView string

	// LogoutRedirect is where logout sends the browser (default: "/")
	LogoutRedirect string

	// CSRF signs the registration forms; nil disables the check
	CSRF *csrf.Signer

	// ServiceCategories offered to providers (default: DefaultServiceCategories)
	ServiceCategories []string

	Debug  bool
	Logger Logger
}

// HTTPController serves the registration flow.
type HTTPController struct {
	coordinator *Coordinator
	callback    *LoginCallback
	sessions    *SessionWriter
	config      HTTPConfig
	now         func() time.Time
}

// NewHTTPController creates the registration controller.
func NewHTTPController(coordinator *Coordinator, callback *LoginCallback, sessions *SessionWriter, cfg HTTPConfig) *HTTPController {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/auth/google"
	}
	if cfg.FlowCookie == "" {
		cfg.FlowCookie = "signup_flow"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "signup_sid"
	}
	if cfg.AuthCookie == "" {
		cfg.AuthCookie = "auth_token"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "Lax"
	}
	if cfg.RegisterView == "" {
		cfg.RegisterView = "register"
	}
	if cfg.CallbackView == "" {
		cfg.CallbackView = "callback"
	}
	if cfg.LogoutRedirect == "" {
		cfg.LogoutRedirect = "/"
	}
	if len(cfg.ServiceCategories) == 0 {
		cfg.ServiceCategories = DefaultServiceCategories
	}
	if cfg.Logger == nil {
		cfg.Logger = defLogger{}
	}

	return &HTTPController{
		coordinator: coordinator,
		callback:    callback,
		sessions:    sessions,
		config:      cfg,
		now:         time.Now,
	}
}

// RegisterRoutes registers the flow routes on a group mounted at PathPrefix.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	group.Get("/register", func(ctx router.Context) error { return c.Show(ctx) })
	group.Post("/register", func(ctx router.Context) error { return c.Begin(ctx) })
	group.Post("/register/complete", func(ctx router.Context) error { return c.Complete(ctx) })
	group.Post("/register/cancel", func(ctx router.Context) error { return c.Cancel(ctx) })
	group.Get("/callback", func(ctx router.Context) error { return c.Callback(ctx) })
	group.Post("/logout", func(ctx router.Context) error { return c.Logout(ctx) })
}

// RegistrationPayload is the form body for both registration submissions.
type RegistrationPayload struct {
	Identity          string   `form:"identity" json:"identity" mask:"hash"`
	Role              string   `form:"role" json:"role"`
	Phone             string   `form:"phone" json:"phone" mask:"filled"`
	FirstName         string   `form:"firstName" json:"firstName"`
	LastName          string   `form:"lastName" json:"lastName"`
	CompanyName       string   `form:"companyName" json:"companyName"`
	Region            string   `form:"region" json:"region"`
	District          string   `form:"district" json:"district"`
	Ward              string   `form:"ward" json:"ward"`
	Street            string   `form:"street" json:"street"`
	ServiceCategories []string `form:"serviceCategories" json:"serviceCategories"`
	Description       string   `form:"description" json:"description"`
	Token             string   `form:"_token" json:"_token" mask:"fixed"`
}

// Form returns the role/profile part of the payload.
func (p RegistrationPayload) Form() FormInput {
	return FormInput{
		Role:              p.Role,
		Phone:             p.Phone,
		FirstName:         p.FirstName,
		LastName:          p.LastName,
		CompanyName:       p.CompanyName,
		Region:            p.Region,
		District:          p.District,
		Ward:              p.Ward,
		Street:            p.Street,
		ServiceCategories: p.ServiceCategories,
		Description:       p.Description,
	}
}

// Show resolves the page the browser lands on, either before leaving for
// the identity provider or after coming back.
func (c *HTTPController) Show(ctx RequestContext) error {
	flow := c.flowKey(ctx)
	rctx := WithSessionKey(ctx.Context(), c.sessionKey(ctx))

	view := c.coordinator.Resolve(rctx, flow, ParseRedirectQuery(ctx.Queries()))
	return c.respond(ctx, flow, view)
}

// Begin stores the new user form and sends the browser to the identity provider.
func (c *HTTPController) Begin(ctx RequestContext) error {
	flow := c.flowKey(ctx)
	payload := new(RegistrationPayload)
	if err := ctx.Bind(payload); err != nil {
		c.config.Logger.Error("registration bind payload: %v", err)
		return c.render(ctx, flow, &View{
			State:    StateNewUserEntry,
			FormMode: StateNewUserEntry,
			Message:  MessageInvalidForm,
			Errors:   map[string]string{"form": "Failed to parse form"},
			Err:      err,
		})
	}
	c.debug("REGISTRATION BEGIN", *payload)

	if err := c.verifyToken(flow, payload.Token); err != nil {
		return c.render(ctx, flow, &View{
			State:    StateNewUserEntry,
			FormMode: StateNewUserEntry,
			Form:     payload.Form(),
			Message:  MessageFormExpired,
			Err:      err,
		})
	}

	view, err := c.coordinator.Begin(ctx.Context(), flow, payload.Form())
	if err != nil {
		c.config.Logger.Info("registration begin rejected: %v", err)
	}
	return c.respond(ctx, flow, view)
}

// Complete merges the re-entry form and finishes the registration.
func (c *HTTPController) Complete(ctx RequestContext) error {
	flow := c.flowKey(ctx)
	payload := new(RegistrationPayload)
	if err := ctx.Bind(payload); err != nil {
		c.config.Logger.Error("registration bind payload: %v", err)
		return c.render(ctx, flow, &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Message:  MessageInvalidForm,
			Errors:   map[string]string{"form": "Failed to parse form"},
			Err:      err,
		})
	}
	c.debug("REGISTRATION COMPLETE", *payload)

	if err := c.verifyToken(flow, payload.Token); err != nil {
		return c.render(ctx, flow, &View{
			State:       StateFormReentry,
			FormMode:    StateFormReentry,
			Form:        payload.Form(),
			RawIdentity: payload.Identity,
			Message:     MessageFormExpired,
			Err:         err,
		})
	}

	rctx := WithSessionKey(ctx.Context(), c.sessionKey(ctx))

	view := c.coordinator.Submit(rctx, flow, payload.Identity, payload.Form())
	return c.respond(ctx, flow, view)
}

// Cancel drops the pending data and returns home.
func (c *HTTPController) Cancel(ctx RequestContext) error {
	if flow := ctx.Cookies(c.config.FlowCookie); flow != "" {
		if err := c.coordinator.Cancel(ctx.Context(), flow); err != nil {
			c.config.Logger.Error("registration cancel: %v", err)
		}
	}
	c.expireCookie(ctx, c.config.FlowCookie)
	return ctx.Redirect("/", http.StatusSeeOther)
}

// Callback handles the identity provider return for existing accounts.
func (c *HTTPController) Callback(ctx RequestContext) error {
	flow := c.flowKey(ctx)
	rctx := WithSessionKey(ctx.Context(), c.sessionKey(ctx))

	view := c.callback.Handle(rctx, flow, ParseCallbackQuery(ctx.Queries()))
	if view.Navigates() {
		c.setAuthCookie(ctx, view.Session.Token)
		return ctx.Redirect(view.RedirectURL, http.StatusSeeOther)
	}

	return ctx.Render(c.config.CallbackView, router.ViewContext{
		"message":   view.Message,
		"retry_url": view.RedirectURL,
		"login_url": "/login",
	})
}

// Logout removes the committed session and the auth cookie.
func (c *HTTPController) Logout(ctx RequestContext) error {
	if sid := ctx.Cookies(c.config.SessionCookie); sid != "" {
		if err := c.sessions.Logout(ctx.Context(), sid); err != nil {
			c.config.Logger.Error("logout: %v", err)
		}
	}
	c.expireCookie(ctx, c.config.AuthCookie)
	return ctx.Redirect(c.config.LogoutRedirect, http.StatusSeeOther)
}

func (c *HTTPController) respond(ctx RequestContext, flow string, view *View) error {
	if view.Navigates() {
		if view.Session != nil {
			c.setAuthCookie(ctx, view.Session.Token)
		}
		return ctx.Redirect(view.RedirectURL, http.StatusSeeOther)
	}
	return c.render(ctx, flow, view)
}

func (c *HTTPController) render(ctx RequestContext, flow string, view *View) error {
	action := c.config.PathPrefix + "/register"
	if view.FormMode == StateFormReentry {
		action = c.config.PathPrefix + "/register/complete"
	}

	errs := view.Errors
	if errs == nil {
		errs = map[string]string{}
	}

	token, err := c.issueToken(flow)
	if err != nil {
		return err
	}

	return ctx.Render(c.config.RegisterView, router.ViewContext{
		"state":        string(view.State),
		"mode":         string(view.FormMode),
		"record":       view.Form,
		"errors":       errs,
		"message":      view.Message,
		"identity":     view.Identity,
		"raw_identity": view.RawIdentity,
		"action":       action,
		"cancel_url":   c.config.PathPrefix + "/register/cancel",
		"is_provider":  view.Form.Role == RoleProvider.FormValue(),

		"service_categories": c.config.ServiceCategories,
		"csrf_token":         token,
		"csrf_field":         csrf.DefaultFormFieldName,
	})
}

func (c *HTTPController) issueToken(flow string) (string, error) {
	if c.config.CSRF == nil {
		return "", nil
	}
	token, err := c.config.CSRF.Issue(flow)
	if err != nil {
		return "", fmt.Errorf("issue form token: %w", err)
	}
	return token, nil
}

func (c *HTTPController) verifyToken(flow, token string) error {
	if c.config.CSRF == nil {
		return nil
	}
	if err := c.config.CSRF.Verify(flow, token); err != nil {
		c.config.Logger.Warn("registration form token rejected: %v", err)
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	return nil
}

func (c *HTTPController) flowKey(ctx RequestContext) string {
	if key := ctx.Cookies(c.config.FlowCookie); key != "" {
		return key
	}
	key := uuid.NewString()
	ctx.Cookie(&router.Cookie{
		Name:     c.config.FlowCookie,
		Value:    key,
		Path:     "/",
		Secure:   c.config.CookieSecure,
		HTTPOnly: true,
		SameSite: c.config.CookieSameSite,
	})
	return key
}

func (c *HTTPController) sessionKey(ctx RequestContext) string {
	if key := ctx.Cookies(c.config.SessionCookie); key != "" {
		return key
	}
	key := uuid.NewString()
	ctx.Cookie(&router.Cookie{
		Name:     c.config.SessionCookie,
		Value:    key,
		Path:     "/",
		Expires:  c.now().Add(365 * 24 * time.Hour),
		Secure:   c.config.CookieSecure,
		HTTPOnly: true,
		SameSite: c.config.CookieSameSite,
	})
	return key
}

func (c *HTTPController) setAuthCookie(ctx RequestContext, token string) {
	ctx.Cookie(&router.Cookie{
		Name:     c.config.AuthCookie,
		Value:    token,
		Path:     "/",
		Expires:  CookieExpiry(token, c.now()),
		Secure:   c.config.CookieSecure,
		HTTPOnly: true,
		SameSite: c.config.CookieSameSite,
	})
}

func (c *HTTPController) expireCookie(ctx RequestContext, name string) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  c.now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
	})
}

func (c *HTTPController) debug(title string, payload any) {
	if !c.config.Debug {
		return
	}
	out, err := print.SecureJSON(payload)
	if err != nil {
		c.config.Logger.Debug("======= %s ======\nerror printing: %v", title, err)
		return
	}
	c.config.Logger.Debug("======= %s ======\n%s", title, out)
}
