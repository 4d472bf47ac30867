// internal/judge/instruction.go
package judge

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// DefaultInstruction asks for a reply in the PASS/FAIL grammar.
const DefaultInstruction = `You are a strict visual QA judge for a {{.Target.Kind}} surface ({{.Target.Location}}).
This is iteration {{.Iteration}} of at most {{.MaxIterations}} for run {{.RunID}}.
Inspect the attached screenshot and metadata. Reply with exactly one line:
PASS: <short rationale>
or
FAIL: <short rationale> | SUGGESTED FIXES: - <fix> - <fix> | OPTIONAL PATCH: <patch or none>`

// DefaultProposalInstruction asks for follow-up actions as strict JSON.
const DefaultProposalInstruction = `The previous check of this {{.Target.Kind}} surface failed.
Choose up to five actions from the listed elements that would help verify a fix.
Reply with JSON only: {"actions":[{"element_id":"...","action":"click|fill|select|key","text":"..."}],"note":"..."}`

// InstructionData is the template context for instructions.
type InstructionData struct {
	RunID         string
	Iteration     int
	MaxIterations int
	Target        schemas.TargetDescriptor
}

// Instruction is a parsed instruction template.
type Instruction struct {
	tmpl *template.Template
}

// LoadInstruction parses the inline text, else the file contents, else fallback.
func LoadInstruction(name, inline, file, fallback string) (*Instruction, error) {
	text := inline
	if text == "" && file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s instruction file: %w", name, err)
		}
		text = string(data)
	}
	if text == "" {
		text = fallback
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s instruction: %w", name, err)
	}
	return &Instruction{tmpl: tmpl}, nil
}

// Render executes the template.
func (i *Instruction) Render(data InstructionData) (string, error) {
	var buf bytes.Buffer
	if err := i.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render instruction: %w", err)
	}
	return buf.String(), nil
}
