package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Summary is the structured summarizer output persisted on a link.
type Summary struct {
	// Summary is a few sentences describing the page content.
	Summary string `json:"summary"`
	// Tags are short lowercase topic labels.
	Tags []string `json:"tags"`
}

// OCRHeading is the marker heading under which OCR text extracted from page
// media is appended to the markdown before summarization. The heading is part
// of the prompt contract; stored markdown never contains it.
const OCRHeading = "## Text extracted from images"

// summarySchema validates the summarizer JSON contract.
const summarySchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["summary", "tags"],
	"additionalProperties": false
}`

var (
	summarySchemaOnce     sync.Once
	summarySchemaCompiled *jsonschema.Schema
	summarySchemaErr      error
)

func compiledSummarySchema() (*jsonschema.Schema, error) {
	summarySchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(summarySchema), &doc); err != nil {
			summarySchemaErr = fmt.Errorf("unmarshal summary schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("summary.json", doc); err != nil {
			summarySchemaErr = fmt.Errorf("add summary schema resource: %w", err)
			return
		}
		summarySchemaCompiled, summarySchemaErr = c.Compile("summary.json")
	})
	return summarySchemaCompiled, summarySchemaErr
}

// SummaryRequest builds the chat request asking the model to summarize the
// given page. markdown should already carry any OCR text under OCRHeading.
func SummaryRequest(modelID, url, title, markdown string) Request {
	system := "You summarize saved web pages for a personal knowledge base. " +
		"Respond with a single JSON object of the form " +
		`{"summary": string, "tags": [string]}` + " and nothing else. " +
		"The summary is 2-4 sentences capturing what the page is about and why it matters. " +
		"Tags are 3-6 short lowercase topic labels."
	var b strings.Builder
	b.WriteString("URL: ")
	b.WriteString(url)
	b.WriteByte('\n')
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteByte('\n')
	}
	b.WriteString("\nContent:\n")
	b.WriteString(markdown)
	return Request{
		Model: modelID,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: b.String()},
		},
		MaxTokens: 1024,
	}
}

// RelatedLink carries the context the insight prompt needs about one related
// link.
type RelatedLink struct {
	URL     string
	Title   string
	Summary string
}

// InsightRequest builds the chat request asking the model for a short insight
// connecting the link to previously saved related links. related may be empty.
func InsightRequest(modelID, url, title, summary string, related []RelatedLink) Request {
	system := "You connect a newly saved link to the user's existing library. " +
		"Given the new link and up to five related links, write 1-3 sentences of plain text " +
		"pointing out the common thread or what the new link adds. " +
		"If nothing meaningful connects them, comment briefly on the new link alone. " +
		"No JSON, no markdown, no preamble."
	var b strings.Builder
	b.WriteString("New link: ")
	b.WriteString(url)
	b.WriteByte('\n')
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteByte('\n')
	}
	b.WriteString("Summary: ")
	b.WriteString(summary)
	b.WriteByte('\n')
	if len(related) > 0 {
		b.WriteString("\nRelated links already saved:\n")
		for i, r := range related {
			fmt.Fprintf(&b, "%d. %s", i+1, r.URL)
			if r.Title != "" {
				fmt.Fprintf(&b, " (%s)", r.Title)
			}
			b.WriteByte('\n')
			if r.Summary != "" {
				fmt.Fprintf(&b, "   %s\n", r.Summary)
			}
		}
	}
	return Request{
		Model: modelID,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: b.String()},
		},
		MaxTokens: 512,
	}
}

// ParseSummary decodes the summarizer output. It strips a surrounding
// markdown code fence if present, unmarshals the JSON and validates it
// against the summary schema. When any of that fails the raw text becomes
// the summary with no tags, and ok is false so callers can log the fallback.
func ParseSummary(text string) (s Summary, ok bool) {
	fallback := Summary{Summary: strings.TrimSpace(text), Tags: []string{}}
	raw := stripFence(text)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fallback, false
	}
	schema, err := compiledSummarySchema()
	if err != nil {
		return fallback, false
	}
	if err := schema.Validate(doc); err != nil {
		return fallback, false
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return fallback, false
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s, true
}

// stripFence removes a ```json ... ``` (or bare ```) fence wrapping the text,
// which chat models commonly add around JSON answers.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		// Drop the language tag on the opening fence line.
		first := strings.TrimSpace(t[:i])
		if first == "" || !strings.ContainsAny(first, "{[") {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
