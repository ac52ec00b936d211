package models

// Paper is the cached analysis row keyed by the registry id.
type Paper struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Abstract    string   `json:"abstract"`
	Keywords    []string `json:"keywords"`
	PDFURL      string   `json:"pdf"`
	LLMResponse *string  `json:"llm_response,omitempty"`
}

// HasAnalysis reports whether a stored analysis can be served from cache.
func (p *Paper) HasAnalysis() bool {
	return p != nil && p.LLMResponse != nil && *p.LLMResponse != ""
}

// PaperInfo is the metadata returned by the paper registry.
type PaperInfo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Keywords []string `json:"keywords"`
	TLDR     string   `json:"tldr,omitempty"`
	Venue    string   `json:"venue,omitempty"`
	PDFURL   string   `json:"pdf"`
}

// ToPaper converts registry metadata into a cache row.
func (i *PaperInfo) ToPaper(llmResponse *string) *Paper {
	return &Paper{
		ID:          i.ID,
		Title:       i.Title,
		Abstract:    i.Abstract,
		Keywords:    i.Keywords,
		PDFURL:      i.PDFURL,
		LLMResponse: llmResponse,
	}
}
