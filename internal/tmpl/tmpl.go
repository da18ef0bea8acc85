// Package tmpl wraps text/template with the handful of fields pmbootstrap
// build configuration strings (mirror URLs, work paths) are allowed to
// reference, mirroring the shape of goreleaser's internal/tmpl used by
// internal/pipe/s3.go's `tmpl.New(ctx).Apply(conf.Bucket)`.
package tmpl

import (
	"bytes"
	"text/template"

	"github.com/pmbootstrap/pmbootstrap/pkg/pmbctx"
)

// Template applies pmbootstrap context fields to a string via Go's
// text/template.
type Template struct {
	fields map[string]interface{}
}

// New builds a Template bound to ctx's fields: .Device, .WorkDir, and
// .Native (the host architecture).
func New(ctx *pmbctx.Context) *Template {
	return &Template{
		fields: map[string]interface{}{
			"Device":  ctx.Config.Device,
			"WorkDir": ctx.Config.Work,
			"Native":  string(ctx.Native),
		},
	}
}

// WithExtra returns a copy of t with additional named fields available.
func (t *Template) WithExtra(extra map[string]interface{}) *Template {
	merged := make(map[string]interface{}, len(t.fields)+len(extra))
	for k, v := range t.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &Template{fields: merged}
}

// Apply renders s as a template against t's fields.
func (t *Template) Apply(s string) (string, error) {
	tpl, err := template.New("tmpl").Parse(s)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tpl.Execute(&out, t.fields); err != nil {
		return "", err
	}
	return out.String(), nil
}
