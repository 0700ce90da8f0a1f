package serialmux

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/depthview/internal/httputil"
)

//go:embed templates/*
var adminFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminFS, "templates/serial-console.html.tmpl"))

// AttachAdminRoutes registers, under /debug/ and behind tsweb's local-only
// guard:
//
//	<name>-console  HTML console
//	<name>-command  POST command=...
//	<name>-tail     server-sent events, one per line
//	<name>-stats    Stats as JSON
func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc(s.name+"-console", "send commands to and tail the "+s.name+" port", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := consoleTemplate.Execute(w, map[string]string{"Name": s.name}); err != nil {
			httputil.InternalServerError(w, "failed to render console")
		}
	})

	debug.HandleSilentFunc(s.name+"-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		fmt.Fprintf(w, "sent %q to %s", command, s.name)
	})

	debug.HandleSilentFunc(s.name+"-tail", s.serveTail)

	debug.HandleSilentFunc(s.name+"-tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, adminFS, "templates/tail.js")
	})

	debug.HandleSilentFunc(s.name+"-stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})
}

func (s *SerialMux) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s %s\n\n", l.Received.Format("15:04:05.000"), l.Text); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
