package routes

import (
	"bytes"
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	g "maragu.dev/gomponents"
	c "maragu.dev/gomponents/components"
	h "maragu.dev/gomponents/html"
)

//go:embed static
var staticFS embed.FS

const appName = "LoftyEyes"

// layout wraps body in the shared document shell. A non-empty flash is shown
// above the page.
func layout(title, flash string, body ...g.Node) g.Node {
	return c.HTML5(c.HTML5Props{
		Title:    title + " · " + appName,
		Language: "en",
		Head: []g.Node{
			h.Link(h.Rel("stylesheet"), h.Href("/styles.css")),
		},
		Body: []g.Node{
			g.If(flash != "", h.Div(h.Class("flash"), h.Role("status"), g.Text(flash))),
			g.Group(body),
		},
	})
}

func brand() g.Node {
	return h.H1(h.Class("brand"), g.Text(appName))
}

func clock(at *time.Time) string {
	if at == nil {
		return ""
	}
	return at.Local().Format("15:04")
}

// render writes page with status. The page is rendered into a buffer first so
// a failure can still become a 500.
func render(w http.ResponseWriter, status int, page g.Node) {
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		slog.Error("failed to render page", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
