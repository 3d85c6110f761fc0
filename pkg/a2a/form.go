package a2a

import "encoding/json"

/*
FormPayload is the conventional shape of a data part that asks the client
to fill out a form while a task is parked on input-required.  It is sugar
over the Part type, not an extension of the wire protocol: the payload
travels as an ordinary data part and clients that do not know the
convention can still render the instructions.
*/
type FormPayload struct {
	Type         string         `json:"type"` // always "form"
	Form         map[string]any `json:"form"`
	FormData     map[string]any `json:"form_data"`
	Instructions string         `json:"instructions,omitempty"`
}

// NewFormPart builds a data part holding a form request.  schema describes
// the fields, values carries any prefilled entries.
func NewFormPart(schema, values map[string]any, instructions string) Part {
	if schema == nil {
		schema = map[string]any{}
	}
	if values == nil {
		values = map[string]any{}
	}

	return NewDataPart(map[string]any{
		"type":         "form",
		"form":         schema,
		"form_data":    values,
		"instructions": instructions,
	})
}

// NewFormMessage wraps a form part in an agent message, ready to park a
// task on input-required.
func NewFormMessage(instructions string, schema, values map[string]any) *Message {
	message := NewDataMessage(RoleAgent, nil)
	message.Parts = []Part{NewFormPart(schema, values, instructions)}
	return message
}

// AsForm decodes a part into its form payload when it carries one.
func AsForm(part Part) (FormPayload, bool) {
	if part.Kind != PartKindData || part.Data == nil {
		return FormPayload{}, false
	}

	if kind, ok := part.Data["type"].(string); !ok || kind != "form" {
		return FormPayload{}, false
	}

	raw, err := json.Marshal(part.Data)
	if err != nil {
		return FormPayload{}, false
	}

	var payload FormPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return FormPayload{}, false
	}

	return payload, true
}
