package api

import (
	"net/http"

	"github.com/osteele/liquid"

	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/pkg/logger"
)

const confirmationPageSource = `<!DOCTYPE html>
<html>
<head><title>Notification preferences updated</title></head>
<body style="font-family:sans-serif;max-width:32em;margin:4em auto">
<h1>Preferences updated</h1>
<p>{{ message }} <b>{{ doc_name }}</b>.</p>
{% if doc_url %}<p><a href="{{ doc_url }}">Back to the document</a></p>{% endif %}
<p>You can fine-tune notifications from the document's settings at any time.</p>
</body>
</html>`

const invalidPageSource = `<!DOCTYPE html>
<html>
<head><title>Invalid unsubscribe link</title></head>
<body style="font-family:sans-serif;max-width:32em;margin:4em auto">
<h1>This link is no longer valid</h1>
<p>The unsubscribe link you followed is malformed or has expired. Open the
document and adjust its notification settings instead.</p>
</body>
</html>`

// pageTemplates renders the public unsubscribe pages.
type pageTemplates struct {
	confirmation *liquid.Template
	invalid      *liquid.Template
}

func newPageTemplates() *pageTemplates {
	engine := liquid.NewEngine()
	confirmation, err := engine.ParseString(confirmationPageSource)
	if err != nil {
		panic("parse confirmation page: " + err.Error())
	}
	invalid, err := engine.ParseString(invalidPageSource)
	if err != nil {
		panic("parse invalid page: " + err.Error())
	}
	return &pageTemplates{confirmation: confirmation, invalid: invalid}
}

func (p *pageTemplates) renderConfirmation(w http.ResponseWriter, doc *notify.DocInfo, message string) {
	p.render(w, p.confirmation, map[string]interface{}{
		"doc_name": doc.Name,
		"doc_url":  doc.URL,
		"message":  message,
	})
}

func (p *pageTemplates) renderInvalid(w http.ResponseWriter) {
	p.render(w, p.invalid, map[string]interface{}{})
}

func (p *pageTemplates) render(w http.ResponseWriter, tpl *liquid.Template, bindings map[string]interface{}) {
	out, err := tpl.Render(bindings)
	if err != nil {
		logger.Error("unsubscribe page render failed", "error", err)
		out = []byte("<html><body>Preferences updated.</body></html>")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
