// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies how a source file is rendered into the bundle.
//
// The set of kinds a writer produces is closed. Readers must still accept
// kinds they do not recognize, since newer writers may add some.
type Kind string

const (
	// KindBicep is a primary-language source file, stored verbatim.
	KindBicep Kind = "bicep"
	// KindArmTemplate is a compiled JSON template.
	KindArmTemplate Kind = "armTemplate"
	// KindTemplateSpec is a template spec wrapper around a JSON template.
	KindTemplateSpec Kind = "templateSpec"
)

// nullTemplate is rendered for JSON kinds with no template content.
const nullTemplate = "(ARM template is null)"

type renderFunc func(text string) (string, error)

// kinds is the closed set of kinds this package can write. Each has exactly
// one render function.
var kinds = map[Kind]renderFunc{
	KindBicep:        renderVerbatim,
	KindArmTemplate:  renderJSON,
	KindTemplateSpec: renderTemplateSpec,
}

// Kinds returns the kinds Pack accepts, in a stable order.
func Kinds() []Kind {
	return []Kind{KindBicep, KindArmTemplate, KindTemplateSpec}
}

// Known reports whether k is one of the kinds this version can render.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// Render produces the canonical text stored in the bundle for text of kind k.
func (k Kind) Render(text string) (string, error) {
	fn, ok := kinds[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSourceKind, string(k))
	}
	return fn(text)
}

func renderVerbatim(text string) (string, error) {
	return text, nil
}

func renderJSON(text string) (string, error) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(text) == "null" {
		return nullTemplate, nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(text), "", "  "); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// renderTemplateSpec renders the main template of a template spec wrapper, or
// the wrapper itself when it has no mainTemplate property.
func renderTemplateSpec(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return nullTemplate, nil
	}
	var wrapper struct {
		MainTemplate json.RawMessage `json:"mainTemplate"`
	}
	if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
		return "", fmt.Errorf("render template spec: %w", err)
	}
	if len(wrapper.MainTemplate) == 0 {
		return renderJSON(text)
	}
	return renderJSON(string(wrapper.MainTemplate))
}
