package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

// AuthHandler forwards signup and login to the upstream and owns the
// session cookie.
type AuthHandler struct {
	s *Server
}

func (a *AuthHandler) Register(e *echo.Echo) {
	e.GET("/register", a.page("sign_up"))
	e.POST("/register", a.signup)
	e.GET("/login", a.page("login"))
	e.POST("/login", a.login)
	e.GET("/logout", a.logout)
}

func (a *AuthHandler) page(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Render(http.StatusOK, name, PageData{Title: name})
	}
}

func credentials(c echo.Context) (upstream.Credentials, error) {
	creds := upstream.Credentials{
		Email:    strings.TrimSpace(c.FormValue("email")),
		Password: c.FormValue("password"),
	}
	err := validate.Required(map[string]string{"email": creds.Email, "password": creds.Password}, "email", "password")
	return creds, err
}

func (a *AuthHandler) signup(c echo.Context) error {
	creds, err := credentials(c)
	if err == nil {
		err = a.s.up.Signup(c.Request().Context(), creds)
	}
	if err != nil {
		return a.formError(c, "sign_up", err)
	}
	return c.Redirect(http.StatusSeeOther, authgate.LoginPath)
}

func (a *AuthHandler) login(c echo.Context) error {
	creds, err := credentials(c)
	var token string
	if err == nil {
		token, err = a.s.up.Login(c.Request().Context(), creds)
	}
	if err != nil {
		return a.formError(c, "login", err)
	}
	if err := a.s.gate.Issue(c, token); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (a *AuthHandler) logout(c echo.Context) error {
	a.s.gate.Revoke(c)
	return c.Redirect(http.StatusSeeOther, authgate.LoginPath)
}

// formError re-renders the auth form with the upstream's message when the
// credentials were rejected. Other failures go through the translator.
func (a *AuthHandler) formError(c echo.Context, page string, err error) error {
	f := a.s.classify(c, err)
	if f.passThrough || f.status >= http.StatusInternalServerError {
		return failWith(c, authgate.Browser, f, err)
	}
	return c.Render(f.status, page, PageData{Title: page, Error: f.message})
}
