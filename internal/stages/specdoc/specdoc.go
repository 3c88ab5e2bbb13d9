// Package specdoc renders a Markdown specification for a ticket.
package specdoc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

// Drafter writes the free-form body of a specification.
type Drafter interface {
	Draft(ctx context.Context, ticket domain.Ticket) (string, error)
}

// Planner implements stages.Planner by rendering a template into Dir.
type Planner struct {
	Dir      string
	Template *template.Template
	// Drafter is optional; without it the ticket description is the body.
	Drafter Drafter
	Now     func() time.Time
}

const defaultTemplate = `# {{ .Ticket.Title | orDefault "Untitled ticket" }}

- Ticket: {{ .Ticket.ID }}{{ with .Ticket.URL }} ({{ . }}){{ end }}
- Repository: {{ .Ticket.RepositoryURL }}
- Workflow: {{ .WorkflowID }}
- Generated: {{ .GeneratedAt.Format "2006-01-02T15:04:05Z07:00" }}
{{- with .Ticket.Labels }}
- Labels: {{ join . ", " }}
{{- end }}

## Problem

{{ .Ticket.Description | orDefault "No description provided." }}

## Proposed change

{{ .Body }}

## Acceptance criteria

- [ ] The change addresses ticket {{ .Ticket.ID }}.
- [ ] Quality gates pass on the working branch.
`

var funcs = template.FuncMap{
	"join": strings.Join,
	"orDefault": func(def, v string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	},
}

// ParseTemplate parses a spec template with the helper funcs available.
func ParseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(funcs).Parse(text)
}

// New builds a Planner writing into dir. templatePath may be empty.
func New(dir, templatePath string, drafter Drafter) (*Planner, error) {
	text := defaultTemplate
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, fmt.Errorf("read spec template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := ParseTemplate("spec", text)
	if err != nil {
		return nil, fmt.Errorf("parse spec template: %w", err)
	}
	return &Planner{Dir: dir, Template: tmpl, Drafter: drafter, Now: time.Now}, nil
}

type view struct {
	WorkflowID  string
	Ticket      domain.Ticket
	Body        string
	GeneratedAt time.Time
}

func (p *Planner) GenerateSpec(ctx context.Context, workflowID string, ticket domain.Ticket) (domain.SpecResult, error) {
	body := strings.TrimSpace(ticket.Description)
	if p.Drafter != nil {
		drafted, err := p.Drafter.Draft(ctx, ticket)
		if err != nil {
			return domain.SpecResult{}, stages.GenerationError(fmt.Errorf("draft: %w", err))
		}
		body = strings.TrimSpace(drafted)
	}
	if body == "" {
		body = "To be refined during review."
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	var buf bytes.Buffer
	if err := p.Template.Execute(&buf, view{WorkflowID: workflowID, Ticket: ticket, Body: body, GeneratedAt: now().UTC()}); err != nil {
		return domain.SpecResult{}, stages.GenerationError(fmt.Errorf("render spec: %w", err))
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return domain.SpecResult{}, stages.GenerationError(err)
	}
	path := filepath.Join(p.Dir, workflowID+".md")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return domain.SpecResult{}, stages.GenerationError(err)
	}
	return domain.SpecResult{Path: path, Content: buf.String()}, nil
}
