// Package tmplutil holds the shared function map for user-facing
// message templates.
package tmplutil

import (
	"encoding/json"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// FuncMap returns the function map message templates render with: the
// sprig set plus a json helper for embedding structured response data.
func FuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["json"] = func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	return fm
}
