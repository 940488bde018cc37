// Package render resolves template names to rendered email bodies using the
// Liquid template language. Rendering is best-effort: a missing template or
// a render failure is reported as an error and the caller substitutes a
// fallback body, so a bad template never blocks delivery.
package render

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// ErrTemplateNotFound reports an unknown template name.
var ErrTemplateNotFound = errors.New("template not found")

// FallbackSubject is used when neither the job nor the template supplies one.
const FallbackSubject = "(no subject)"

// Template is the source form of a named template. Subject is optional; a
// job-level subject always wins over the template's.
type Template struct {
	Subject string
	HTML    string
	Text    string
}

// Rendered is the output handed to the provider driver.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type compiled struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// Engine compiles templates once at registration and renders them with
// per-job context bindings. Safe for concurrent use.
type Engine struct {
	engine *liquid.Engine

	mu        sync.RWMutex
	templates map[string]*compiled
}

// NewEngine creates an engine with the custom filters and the built-in
// transactional templates registered.
func NewEngine() *Engine {
	e := &Engine{
		engine:    liquid.NewEngine(),
		templates: make(map[string]*compiled),
	}
	e.registerFilters()
	e.registerBuiltins()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ email | mask_email }}
	e.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		local := parts[0]
		if len(local) <= 2 {
			return local + "***@" + parts[1]
		}
		return local[:2] + "***@" + parts[1]
	})
}

// Register compiles and stores a template under name, replacing any
// previous registration.
func (e *Engine) Register(name string, tpl Template) error {
	c := &compiled{}
	var err error

	if tpl.Subject != "" {
		if c.subject, err = e.engine.ParseString(tpl.Subject); err != nil {
			return fmt.Errorf("parse %s subject: %w", name, err)
		}
	}
	if tpl.HTML != "" {
		if c.html, err = e.engine.ParseString(tpl.HTML); err != nil {
			return fmt.Errorf("parse %s html: %w", name, err)
		}
	}
	if tpl.Text != "" {
		if c.text, err = e.engine.ParseString(tpl.Text); err != nil {
			return fmt.Errorf("parse %s text: %w", name, err)
		}
	}

	e.mu.Lock()
	e.templates[name] = c
	e.mu.Unlock()
	return nil
}

// LoadDir registers templates from a directory, overriding any built-in
// with the same name. Files group by base name: name.html is the HTML
// body, name.txt the text body, and name.subject the subject line. Other
// files are ignored. Returns the number of templates registered.
func (e *Engine) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}

	sources := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		name := strings.TrimSuffix(entry.Name(), ext)
		if name == "" || (ext != ".html" && ext != ".txt" && ext != ".subject") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return 0, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}

		tpl := sources[name]
		if tpl == nil {
			tpl = &Template{}
			sources[name] = tpl
		}
		switch ext {
		case ".html":
			tpl.HTML = string(data)
		case ".txt":
			tpl.Text = string(data)
		case ".subject":
			tpl.Subject = strings.TrimSpace(string(data))
		}
	}

	for name, tpl := range sources {
		if err := e.Register(name, *tpl); err != nil {
			return 0, err
		}
	}
	return len(sources), nil
}

// Names lists the registered template names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render produces the subject and bodies for a template. Unknown names
// return ErrTemplateNotFound; any other error means the template exists but
// could not be rendered with this context.
func (e *Engine) Render(name string, context map[string]interface{}) (*Rendered, error) {
	e.mu.RLock()
	c, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	if context == nil {
		context = map[string]interface{}{}
	}

	out := &Rendered{}
	var err error
	if c.subject != nil {
		if out.Subject, err = c.subject.RenderString(context); err != nil {
			return nil, fmt.Errorf("render %s subject: %w", name, err)
		}
		out.Subject = strings.TrimSpace(out.Subject)
	}
	if c.html != nil {
		if out.HTML, err = c.html.RenderString(context); err != nil {
			return nil, fmt.Errorf("render %s html: %w", name, err)
		}
	}
	if c.text != nil {
		if out.Text, err = c.text.RenderString(context); err != nil {
			return nil, fmt.Errorf("render %s text: %w", name, err)
		}
	}
	return out, nil
}

// Fallback builds the plain-text substitute used when rendering fails: the
// provided subject (or the stock one) over a key-sorted dump of the context.
func Fallback(subject string, context map[string]interface{}) *Rendered {
	if subject == "" {
		subject = FallbackSubject
	}

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, context[k])
	}
	return &Rendered{Subject: subject, Text: b.String()}
}
