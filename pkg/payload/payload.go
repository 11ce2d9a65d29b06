// Package payload builds the message bodies sent by simulated devices, either a literal
// message or a template expanded afresh for every message.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// Data is the value templates are executed against.
type Data struct {
	DeviceID  string
	Iteration int
	Timestamp time.Time
}

// Literal returns the same body for every message.
type Literal struct {
	body []byte
}

// NewLiteral creates a literal generator. With stringify the message is sent as a JSON
// string value instead of raw text.
func NewLiteral(message string, stringify bool) (*Literal, error) {
	if !stringify {
		return &Literal{body: []byte(message)}, nil
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to stringify message: %w", err)
	}
	return &Literal{body: body}, nil
}

func (l *Literal) Generate(_ string, _ int) ([]byte, error) {
	return l.body, nil
}

// Template expands a text/template for every message.
type Template struct {
	tmpl  *template.Template
	label func(string) string
}

// NewTemplate parses text and expands it once to validate it.
func NewTemplate(text string, label func(string) string) (*Template, error) {
	tmpl, err := template.New("message").Funcs(funcMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed template: %w", simulator.ErrInvalidInput, err)
	}
	if label == nil {
		label = func(s string) string { return s }
	}
	t := &Template{tmpl: tmpl, label: label}
	if _, err := t.execute(Data{DeviceID: "validation", Timestamp: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("%w: template cannot be expanded: %w", simulator.ErrInvalidInput, err)
	}
	return t, nil
}

func (t *Template) Generate(target string, iteration int) ([]byte, error) {
	return t.execute(Data{DeviceID: t.label(target), Iteration: iteration, Timestamp: time.Now().UTC()})
}

func (t *Template) execute(data Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Factory implements simulator.PayloadFactory.
type Factory struct {
	// Stringify sends literal messages as JSON string values.
	Stringify bool
	// Label maps a target to the device id exposed to templates as .DeviceID.
	Label func(target string) string
}

func (f Factory) NewGenerator(template string, isTemplate bool) (simulator.PayloadGenerator, error) {
	if isTemplate {
		return NewTemplate(template, f.Label)
	}
	return NewLiteral(template, f.Stringify)
}

// Preview expands template once for a sample device.
func Preview(template string) ([]byte, error) {
	t, err := NewTemplate(template, nil)
	if err != nil {
		return nil, err
	}
	return t.Generate("sample-device", 0)
}
