package whatsapp

// TemplateParameter is one positional value of a template component.
type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TemplateComponent fills one section (header, body, button) of a template.
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// BodyText builds a body component with one text parameter per value.
func BodyText(values ...string) TemplateComponent {
	params := make([]TemplateParameter, 0, len(values))
	for _, v := range values {
		params = append(params, TemplateParameter{Type: "text", Text: v})
	}
	return TemplateComponent{Type: "body", Parameters: params}
}
