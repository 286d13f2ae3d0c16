package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	g "maragu.dev/gomponents"
	c "maragu.dev/gomponents/components"
	h "maragu.dev/gomponents/html"

	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/auth"
)

type authPage struct {
	Title    string
	Flash    string
	Mode     string
	Error    string
	Email    string
	FullName string
	Username string
}

func authView(p authPage) g.Node {
	signup := p.Mode == "signup"
	return layout(p.Title, p.Flash,
		h.Main(h.Class("auth"),
			brand(),
			h.P(h.Class("muted"), g.Text("Connect with friends and family")),
			g.If(p.Error != "", h.Div(h.Class("error"), g.Text(p.Error))),
			h.Div(h.Class("tabs"),
				h.A(h.Href("/auth?mode=login"), c.Classes{"active": !signup}, g.Text("Sign In")),
				h.A(h.Href("/auth?mode=signup"), c.Classes{"active": signup}, g.Text("Sign Up")),
			),
			g.If(signup, signupForm(p)),
			g.If(!signup, loginForm(p)),
		),
	)
}

func loginForm(p authPage) g.Node {
	return h.Form(h.Method("post"), h.Action("/auth/login"), h.Class("card"),
		field("Email", h.Type("email"), h.Name("email"), h.Value(p.Email), h.Required()),
		field("Password", h.Type("password"), h.Name("password"), h.Required()),
		h.Button(h.Type("submit"), g.Text("Sign In")),
	)
}

func signupForm(p authPage) g.Node {
	return h.Form(h.Method("post"), h.Action("/auth/signup"), h.Class("card"),
		field("Full name", h.Name("full_name"), h.Value(p.FullName), h.Required()),
		field("Username", h.Name("username"), h.Value(p.Username), h.Required()),
		field("Email", h.Type("email"), h.Name("email"), h.Value(p.Email), h.Required()),
		field("Password", h.Type("password"), h.Name("password"), h.MinLength("6"), h.Required()),
		h.Button(h.Type("submit"), g.Text("Create Account")),
	)
}

func field(label string, attrs ...g.Node) g.Node {
	return h.Label(g.Text(label+" "), h.Input(attrs...))
}

func AuthGET(w http.ResponseWriter, r *http.Request) {
	sessions := getDeps().Sessions
	if session := sessions.Get(r); session != nil && session.Auth.SignedIn() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode != "signup" {
		mode = "login"
	}
	render(w, http.StatusOK, authView(authPage{
		Title: "Sign in",
		Flash: sessions.TakeFlash(w, r),
		Mode:  mode,
	}))
}

func LoginPOST(w http.ResponseWriter, r *http.Request) {
	dependencies := getDeps()
	session := dependencies.Sessions.Begin(r)
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	ctx, cancel := context.WithTimeout(r.Context(), dependencies.Config.RequestTimeout)
	defer cancel()
	if err := session.Auth.SignIn(ctx, email, password); err != nil {
		dependencies.Sessions.Discard(session)
		slog.Warn("sign in failed", "email", email, "error", err)
		render(w, http.StatusUnauthorized, authView(authPage{
			Title: "Sign in",
			Mode:  "login",
			Error: "Invalid email or password",
			Email: email,
		}))
		return
	}
	dependencies.Sessions.Keep(w, session)
	dependencies.Sessions.SetFlash(w, "Welcome back!")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func SignupPOST(w http.ResponseWriter, r *http.Request) {
	dependencies := getDeps()
	form := authPage{
		Title:    "Sign up",
		Mode:     "signup",
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		FullName: auth.SanitizeName(r.PostFormValue("full_name")),
		Username: auth.SanitizeName(r.PostFormValue("username")),
	}
	password := r.PostFormValue("password")
	if form.Email == "" || password == "" || form.FullName == "" || form.Username == "" {
		form.Error = "All fields are required"
		render(w, http.StatusBadRequest, authView(form))
		return
	}

	session := dependencies.Sessions.Begin(r)
	ctx, cancel := context.WithTimeout(r.Context(), dependencies.Config.RequestTimeout)
	defer cancel()
	err := session.Auth.SignUp(ctx, form.Email, password, form.FullName, form.Username)
	switch {
	case errors.Is(err, platform.ErrConfirmationRequired):
		dependencies.Sessions.Discard(session)
		dependencies.Sessions.SetFlash(w, "Check your email to confirm your account")
		http.Redirect(w, r, "/auth?mode=login", http.StatusSeeOther)
	case err != nil:
		dependencies.Sessions.Discard(session)
		slog.Warn("sign up failed", "email", form.Email, "error", err)
		form.Error = "Failed to create account"
		render(w, http.StatusBadRequest, authView(form))
	default:
		dependencies.Sessions.Keep(w, session)
		dependencies.Sessions.SetFlash(w, "Account created!")
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func LogoutPOST(w http.ResponseWriter, r *http.Request) {
	dependencies := getDeps()
	session := dependencies.Sessions.Get(r)
	if session == nil || !session.Auth.SignedIn() {
		http.Redirect(w, r, "/auth", http.StatusSeeOther)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dependencies.Config.RequestTimeout)
	defer cancel()
	err := session.Auth.SignOut(ctx)
	dependencies.Sessions.Drop(w, session)
	if err != nil {
		slog.Error("sign out failed", "session", session.ID, "error", err)
		dependencies.Sessions.SetFlash(w, "Failed to sign out. Please try again.")
	} else {
		dependencies.Sessions.SetFlash(w, "Goodbye! You've successfully signed out.")
	}
	http.Redirect(w, r, "/auth", http.StatusSeeOther)
}
