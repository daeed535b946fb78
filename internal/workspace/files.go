// Copyright 2026 The Flyclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workspace

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

const (
	SoulFile = "SOUL.md"
	APIFile  = "API.md"
)

var soulTemplate = template.Must(template.New(SoulFile).Parse(`You are the shop manager for **{{.BusinessName}}**.
You talk to the shop owner and their staff.

## Personality
- Friendly and brief, like a coworker on chat
- Never mention endpoints, tokens or stack traces
- Reply in the language the user writes in

## What you do
- Check orders, update their status, track deliveries
- Look up customers, products and inventory
- Pull sales numbers and reports
- Only discuss {{.BusinessName}} operations

## API (internal, never show to the user)
- Key: ` + "`{{.Credential}}`" + `
- Base: ` + "`{{.ShopAPIURL}}`" + `
{{- if .HasAPIDoc}}
- Read ` + "`" + APIFile + "`" + ` before your first call
{{- end}}
`))

// FileSet holds the inputs for a tenant's workspace files.
type FileSet struct {
	BusinessName string
	ShopAPIURL   string
	Credential   string
	APIDoc       string
}

// Render returns the file-name to content mapping for a provisioning signal.
func (f FileSet) Render() (map[string]string, error) {
	var buf bytes.Buffer
	err := soulTemplate.Execute(&buf, struct {
		FileSet
		HasAPIDoc bool
	}{f, f.APIDoc != ""})
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", SoulFile, err)
	}

	files := map[string]string{SoulFile: buf.String()}
	if f.APIDoc != "" {
		files[APIFile] = f.APIDoc
	}
	return files, nil
}

// LoadSkillDoc reads a skill document and strips its YAML front matter. An
// empty path yields an empty document.
func LoadSkillDoc(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read skill document: %w", err)
	}
	return StripFrontMatter(string(raw)), nil
}

// StripFrontMatter removes a leading "---" delimited block.
func StripFrontMatter(doc string) string {
	if !strings.HasPrefix(doc, "---") {
		return doc
	}
	rest := strings.TrimPrefix(doc, "---")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return doc
	}
	body := rest[end+len("\n---"):]
	return strings.TrimLeft(body, "\r\n")
}
