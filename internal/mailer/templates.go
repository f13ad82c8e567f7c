package mailer

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Template names used by the renderer.
const (
	tplDocChangeSubject = "doc-change-subject"
	tplDocChangeText    = "doc-change-text"
	tplDocChangeHTML    = "doc-change-html"
	tplCommentSubject   = "comment-subject"
	tplCommentText      = "comment-text"
	tplCommentHTML      = "comment-html"
)

var templateSources = map[string]string{
	tplDocChangeSubject: `{% if sender_author_name %}{{ sender_author_name }} made changes to {{ doc_name }}{% else %}New changes to {{ doc_name }}{% endif %}`,

	tplDocChangeText: `{% for a in authors %}{{ a.name }} changed {{ a.tables | join: ", " }}{% if a.extra_tables_count > 0 %} and {{ a.extra_tables_count }} more{% endif %} ({{ a.categories | join: ", " }}).
{% endfor %}
Open the document: {{ doc_url }}

Stop these emails: {{ unsubscribe_url }}`,

	tplDocChangeHTML: `<html><body>
<p><a href="{{ doc_url }}">{{ doc_name }}</a> has new changes:</p>
<ul>
{% for a in authors %}<li><b>{{ a.name }}</b> changed {{ a.tables | join: ", " }}{% if a.extra_tables_count > 0 %} and {{ a.extra_tables_count }} more{% endif %} <i>({{ a.categories | join: ", " }})</i></li>
{% endfor %}</ul>
<p><a href="{{ doc_url }}">Open the document</a></p>
<p style="font-size:12px;color:#888"><a href="{{ unsubscribe_url }}">Stop notifying me about changes to this document</a></p>
</body></html>`,

	tplCommentSubject: `{% if has_mentions %}You were mentioned in {{ doc_name }}{% else %}New comments in {{ doc_name }}{% endif %}`,

	tplCommentText: `{{ author_names | join: ", " }}{% if extra_authors_count > 0 %} and {{ extra_authors_count }} more{% endif %} commented on {{ doc_name }}:

{% for c in comments %}{% if c.has_mention %}[mentioned you] {% endif %}{{ c.author }}: {{ c.text }}
{% endfor %}
Open the document: {{ doc_url }}

Only threads involving you: {{ unsubscribe_url }}
Stop all comment emails: {{ unsubscribe_fully_url }}`,

	tplCommentHTML: `<html><body>
<p>{{ author_names | join: ", " }}{% if extra_authors_count > 0 %} and {{ extra_authors_count }} more{% endif %} commented on <a href="{{ doc_url }}">{{ doc_name }}</a>:</p>
{% for c in comments %}<blockquote>{% if c.has_mention %}<b>[mentioned you]</b> {% endif %}<b>{{ c.author }}</b>: {{ c.text }}</blockquote>
{% endfor %}
<p><a href="{{ doc_url }}">Open the document</a></p>
<p style="font-size:12px;color:#888"><a href="{{ unsubscribe_url }}">Only notify me about threads involving me</a> &middot; <a href="{{ unsubscribe_fully_url }}">Stop all comment emails</a></p>
</body></html>`,
}

// TemplateService renders the named notification templates with parse
// caching.
type TemplateService struct {
	engine  *liquid.Engine
	sources map[string]string
	cache   sync.Map // name -> *liquid.Template
}

// NewTemplateService creates the service with the built-in templates.
func NewTemplateService() *TemplateService {
	engine := liquid.NewEngine()

	// Default value filter: {{ name | default: "someone" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &TemplateService{engine: engine, sources: templateSources}
}

// Render renders the named template against bindings.
func (ts *TemplateService) Render(name string, bindings map[string]interface{}) (string, error) {
	tpl, err := ts.template(name)
	if err != nil {
		return "", err
	}
	out, err := tpl.Render(bindings)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return string(out), nil
}

func (ts *TemplateService) template(name string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(name); ok {
		return cached.(*liquid.Template), nil
	}
	src, ok := ts.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	tpl, err := ts.engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	ts.cache.Store(name, tpl)
	return tpl, nil
}
