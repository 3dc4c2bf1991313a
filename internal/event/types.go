// Package event defines the workflow action model and its fixed 32-byte
// wire record.
package event

import (
	"fmt"
	"strconv"
	"time"
)

// EventType is a workflow action code. Codes are grouped into contiguous
// ranges, one per Category.
type EventType uint16

const (
	DocumentOpen   EventType = 1
	DocumentClose  EventType = 2
	DocumentEdit   EventType = 3
	DocumentSave   EventType = 4
	DocumentExport EventType = 5
	DocumentShare  EventType = 6

	TemplateSelect    EventType = 21
	TemplateCustomize EventType = 22
	TemplateSave      EventType = 23

	FormFieldEdit EventType = 41
	FormValidate  EventType = 42
	FormSubmit    EventType = 43

	ChatMessage          EventType = 61
	ChatSuggestionAccept EventType = 62

	SearchQuery        EventType = 81
	SearchResultSelect EventType = 82

	WorkflowStart        EventType = 101
	WorkflowStepComplete EventType = 102
	WorkflowComplete     EventType = 103

	ComplianceCheck     EventType = 121
	ComplianceViolation EventType = 122
)

// Category groups event types by the range their code falls into.
type Category string

const (
	CategoryDocument   Category = "document"
	CategoryTemplate   Category = "template"
	CategoryForm       Category = "form"
	CategoryChat       Category = "chat"
	CategorySearch     Category = "search"
	CategoryWorkflow   Category = "workflow"
	CategoryCompliance Category = "compliance"
	CategoryUnknown    Category = "unknown"
)

var typeNames = map[EventType]string{
	DocumentOpen:         "documentOpen",
	DocumentClose:        "documentClose",
	DocumentEdit:         "documentEdit",
	DocumentSave:         "documentSave",
	DocumentExport:       "documentExport",
	DocumentShare:        "documentShare",
	TemplateSelect:       "templateSelect",
	TemplateCustomize:    "templateCustomize",
	TemplateSave:         "templateSave",
	FormFieldEdit:        "formFieldEdit",
	FormValidate:         "formValidate",
	FormSubmit:           "formSubmit",
	ChatMessage:          "chatMessage",
	ChatSuggestionAccept: "chatSuggestionAccept",
	SearchQuery:          "searchQuery",
	SearchResultSelect:   "searchResultSelect",
	WorkflowStart:        "workflowStart",
	WorkflowStepComplete: "workflowStepComplete",
	WorkflowComplete:     "workflowComplete",
	ComplianceCheck:      "complianceCheck",
	ComplianceViolation:  "complianceViolation",
}

var typeDescriptions = map[EventType]string{
	DocumentOpen:         "User opened document",
	DocumentClose:        "User closed document",
	DocumentEdit:         "User edited document",
	DocumentSave:         "User saved document",
	DocumentExport:       "User exported document",
	DocumentShare:        "User shared document",
	TemplateSelect:       "User selected template",
	TemplateCustomize:    "User customized template",
	TemplateSave:         "User saved template",
	FormFieldEdit:        "User edited form field",
	FormValidate:         "User validated form",
	FormSubmit:           "User submitted form",
	ChatMessage:          "User sent chat message",
	ChatSuggestionAccept: "User accepted chat suggestion",
	SearchQuery:          "User performed search",
	SearchResultSelect:   "User selected search result",
	WorkflowStart:        "User started workflow",
	WorkflowStepComplete: "User completed workflow step",
	WorkflowComplete:     "User completed workflow",
	ComplianceCheck:      "User performed compliance check",
	ComplianceViolation:  "Compliance violation recorded",
}

// Category derives the category from the code range.
func (t EventType) Category() Category {
	switch {
	case t >= 1 && t <= 20:
		return CategoryDocument
	case t >= 21 && t <= 40:
		return CategoryTemplate
	case t >= 41 && t <= 60:
		return CategoryForm
	case t >= 61 && t <= 80:
		return CategoryChat
	case t >= 81 && t <= 100:
		return CategorySearch
	case t >= 101 && t <= 120:
		return CategoryWorkflow
	case t >= 121 && t <= 140:
		return CategoryCompliance
	default:
		return CategoryUnknown
	}
}

func (t EventType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("eventType(%d)", uint16(t))
}

// Description returns a short human-readable sentence for the action.
func (t EventType) Description() string {
	if d, ok := typeDescriptions[t]; ok {
		return d
	}
	return "User performed workflow action " + t.String()
}

// ParseEventType accepts either a camelCase name or a decimal code.
func ParseEventType(s string) (EventType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	code, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown event type %q", s)
	}
	if code == 0 {
		return 0, fmt.Errorf("event type code must be positive")
	}
	return EventType(code), nil
}

// MarshalText writes the name, or the decimal code for unnamed types.
func (t EventType) MarshalText() ([]byte, error) {
	if name, ok := typeNames[t]; ok {
		return []byte(name), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UserAction is a single interaction as observed by the UI layer. It may carry
// personal data until it has been privatized.
type UserAction struct {
	Type       EventType         `json:"type" yaml:"type"`
	DocumentID string            `json:"document_id" yaml:"document_id"`
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a copy whose metadata map is not shared with the receiver.
func (a UserAction) Clone() UserAction {
	c := a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// UserKey is the metadata key carrying the acting user's identifier.
const UserKey = "userId"

// UserID returns the acting user. It falls back to the document id prefix
// (text before the first '-') when no userId metadata is present.
func (a UserAction) UserID() string {
	if u := a.Metadata[UserKey]; u != "" {
		return u
	}
	for i := 0; i < len(a.DocumentID); i++ {
		if a.DocumentID[i] == '-' {
			return a.DocumentID[:i]
		}
	}
	return a.DocumentID
}
