package handler

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"io"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/labstack/echo/v4"
	"github.com/microcosm-cc/bluemonday"

	"scribe/domain"
	"scribe/page"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed assets
var assetFS embed.FS

var pages = []string{
	"index.html",
	"post-view.html",
	"post-edit.html",
	"dashboard.html",
	"user-login.html",
	"user-signup.html",
	"error.html",
	"not-found.html",
}

var sanitizerStrict = bluemonday.StrictPolicy()
var sanitizerUGC = bluemonday.UGCPolicy()

type TemplateRegistry struct {
	templates map[string]*template.Template
}

func NewTemplateRegistry() *TemplateRegistry {
	t := make(map[string]*template.Template, len(pages))
	for _, name := range pages {
		// the page goes last so its blocks replace the layout defaults
		t[name] = template.Must(template.New(name).ParseFS(templateFS,
			"templates/base.html", "templates/partials.html", "templates/"+name))
	}
	return &TemplateRegistry{templates: t}
}

func (t *TemplateRegistry) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	tmpl, ok := t.templates[name]
	if !ok {
		err := errors.New("template not found: " + name)
		return err
	}

	return tmpl.ExecuteTemplate(w, "base.html", data)
}

// Fragment renders a single named template of a page, without the layout.
func (t *TemplateRegistry) Fragment(name string, fragment string, data interface{}) (string, error) {
	tmpl, ok := t.templates[name]
	if !ok {
		return "", errors.New("template not found: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, fragment, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Layout is what base.html needs on every page.
type Layout struct {
	Identity *domain.Identity
	Notice   *page.Notice
	// Live is the websocket path the page follows, empty for static pages.
	Live string
}

type PostDTO struct {
	ID         string
	Title      template.HTML
	Content    template.HTML
	Category   string
	CategoryID string
	CreatedAt  string
	Mine       bool
}

func postDTO(p domain.Post, identity *domain.Identity) PostDTO {
	return PostDTO{
		ID:         p.ID,
		Title:      template.HTML(sanitizerStrict.Sanitize(p.Title)),
		Content:    safeMd(p.Description),
		Category:   p.Category(),
		CategoryID: p.Field("category_id"),
		CreatedAt:  p.CreatedAt.Local().Format(time.DateOnly),
		Mine:       identity != nil && identity.ID == p.UserID,
	}
}

func postDTOs(posts []domain.Post, identity *domain.Identity) []PostDTO {
	out := make([]PostDTO, 0, len(posts))
	for _, p := range posts {
		out = append(out, postDTO(p, identity))
	}
	return out
}

// CategoryOptions fills the category select of the post forms.
type CategoryOptions struct {
	Categories []domain.Category
	Selected   string
}

func mdToHTML(md string) []byte {
	// create markdown parser with extensions
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	htmlFlags := html.CommonFlags | html.HrefTargetBlank
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	return markdown.Render(doc, renderer)
}

func safeMd(content string) template.HTML {
	return template.HTML(sanitizerUGC.SanitizeBytes(mdToHTML(content)))
}
