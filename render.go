package vtl

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

type View interface {
	Name() string
	Data() any
	Status() int
}

type view struct {
	name   string
	data   any
	status int
}

func NewView(name string, data any, status ...int) View {
	statusCode := http.StatusOK
	if len(status) > 0 {
		statusCode = status[0]
	}
	return view{
		name:   name,
		data:   data,
		status: statusCode,
	}
}

func (v view) Name() string {
	return v.name
}

func (v view) Data() any {
	return v.data
}

func (v view) Status() int {
	return v.status
}

// HTML renders v through the engine installed on c's gin engine.
func HTML(c *gin.Context, v View) {
	c.HTML(v.Status(), v.Name(), v.Data())
}

var _ render.HTMLRender = (*HtmlRender)(nil)

// HtmlRender gin HtmlRender compatible
type HtmlRender struct {
	rt *Runtime
}

// NewHTMLRender create a new HtmlRender
func NewHTMLRender(rt *Runtime) *HtmlRender {
	return &HtmlRender{rt: rt}
}

// Instance returns a new render.Render
func (h *HtmlRender) Instance(name string, data any) render.Render {
	return &Render{rt: h.rt, name: name, data: data}
}

// Render renders a template with data and writes to w
type Render struct {
	rt   *Runtime
	name string
	data any
}

// Render renders the template with data and writes to w
func (r *Render) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return r.rt.MergeTemplate(w, r.name, contextFrom(r.data))
}

// WriteContentType write an HTML content type to the response header if not set
func (r *Render) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if val := header["Content-Type"]; len(val) == 0 {
		header["Content-Type"] = []string{"text/html; charset=utf-8"}
	}
}

// contextFrom turns gin render data into a Context. Values that are not
// maps are bound as $data.
func contextFrom(data any) *Context {
	switch d := data.(type) {
	case nil:
		return NewContext(nil)
	case *Context:
		return d
	case map[string]any:
		return NewContext(d)
	case gin.H:
		return NewContext(d)
	default:
		return NewContext(map[string]any{"data": d})
	}
}
