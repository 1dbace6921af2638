package upstream

// Catalog is the vendor's model listing for a session.
type Catalog struct {
	Data []CatalogModel `json:"data"`
}

// CatalogModel is one advertised model with its capability metadata.
type CatalogModel struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Vendor             string            `json:"vendor"`
	Version            string            `json:"version"`
	ModelPickerEnabled bool              `json:"model_picker_enabled"`
	Capabilities       ModelCapabilities `json:"capabilities"`
	SupportedEndpoints []string          `json:"supported_endpoints,omitempty"`
}

// ModelCapabilities carries a model's family, limits and feature support.
type ModelCapabilities struct {
	Family   string        `json:"family"`
	Type     string        `json:"type"`
	Limits   ModelLimits   `json:"limits"`
	Supports ModelSupports `json:"supports"`
}

// ModelLimits are the advertised token limits.
type ModelLimits struct {
	MaxContextWindowTokens int `json:"max_context_window_tokens"`
	MaxOutputTokens        int `json:"max_output_tokens"`
	MaxPromptTokens        int `json:"max_prompt_tokens"`
}

// ModelSupports flags feature support.
type ModelSupports struct {
	Streaming bool `json:"streaming"`
	ToolCalls bool `json:"tool_calls"`
	Vision    bool `json:"vision"`
}

// Find returns the catalog entry for a model id, or nil.
func (c *Catalog) Find(id string) *CatalogModel {
	if c == nil {
		return nil
	}
	for i := range c.Data {
		if c.Data[i].ID == id {
			return &c.Data[i]
		}
	}
	return nil
}

// ResponsesOnly reports whether the model is served exclusively by the
// Responses endpoint, requiring the chat-completions bridge.
func (m *CatalogModel) ResponsesOnly() bool {
	if len(m.SupportedEndpoints) == 0 {
		return false
	}
	hasResponses := false
	for _, ep := range m.SupportedEndpoints {
		switch ep {
		case "/chat/completions":
			return false
		case "/responses":
			hasResponses = true
		}
	}
	return hasResponses
}
