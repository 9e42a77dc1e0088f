package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"github.com/linkmind/linkmind/runtime/bridge"
)

// The device-verification flow is the only HTML this service renders: a form
// where the user types the code their probe printed, and a result page.
const (
	styleSrc = `{{define "style"}}<style>
body { font-family: system-ui, sans-serif; margin: 4rem auto; max-width: 28rem; color: #222; }
input { font-size: 1.4rem; letter-spacing: 0.2rem; text-transform: uppercase; width: 12rem; }
button { font-size: 1rem; padding: 0.3rem 1rem; }
</style>{{end}}`

	verifySrc = `<!DOCTYPE html>
<html>
<head><title>Connect a probe</title>{{template "style"}}</head>
<body>
<main>
<h1>Connect a probe</h1>
<p>Enter the code shown by <code>linkmind-probe login</code>.</p>
<form method="POST" action="/auth/device/authorize">
<input type="text" name="user_code" value="{{.Code}}" placeholder="XXXX-XXXX" autofocus autocomplete="off">
<button type="submit">Authorize</button>
</form>
</main>
</body>
</html>
`

	resultSrc = `<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title>{{template "style"}}</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Retry}}<p><a href="/auth/device">Try again</a></p>{{end}}
</main>
</body>
</html>
`
)

var (
	verifyTmpl = mustPage("verify", verifySrc)
	resultTmpl = mustPage("result", resultSrc)
)

func mustPage(name, src string) *template.Template {
	t := template.Must(template.New(name).Parse(src))
	return template.Must(t.Parse(styleSrc))
}

type (
	verifyPage struct {
		Code string
	}

	resultPage struct {
		Title   string
		Message string
		Retry   bool
	}
)

func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	s.renderHTML(w, http.StatusOK, verifyTmpl, verifyPage{Code: r.URL.Query().Get("code")})
}

func (s *Server) handleAuthorizePage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderHTML(w, http.StatusBadRequest, resultTmpl, resultPage{
			Title: "Invalid request", Message: "The form could not be read.", Retry: true,
		})
		return
	}
	userID := sessionUser(r.Context())
	err := s.bridge.AuthorizeDevice(r.Context(), userID, r.PostFormValue("user_code"))
	switch {
	case err == nil:
		s.logger.Info(r.Context(), "device authorized via page", "user", userID)
		s.renderHTML(w, http.StatusOK, resultTmpl, resultPage{
			Title:   "Probe connected",
			Message: "The probe finishes enrolling on its next poll. You can close this page.",
		})
	case errors.Is(err, bridge.ErrInvalidUserCode):
		s.renderHTML(w, http.StatusBadRequest, resultTmpl, resultPage{
			Title: "Unknown code", Message: "That code matches no pending probe.", Retry: true,
		})
	case errors.Is(err, bridge.ErrExpiredToken):
		s.renderHTML(w, http.StatusBadRequest, resultTmpl, resultPage{
			Title: "Code expired", Message: "Run the probe login again to get a fresh code.", Retry: true,
		})
	default:
		s.logger.Error(r.Context(), "authorize device", "err", err.Error())
		s.renderHTML(w, http.StatusInternalServerError, resultTmpl, resultPage{
			Title: "Something went wrong", Message: "Please try again.", Retry: true,
		})
	}
}

func (s *Server) renderHTML(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error(context.Background(), "render page", "err", err.Error())
	}
}
