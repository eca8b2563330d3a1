package actions

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies an action variant
type Kind string

const (
	KindNavigate       Kind = "navigate"
	KindClick          Kind = "click"
	KindType           Kind = "type"
	KindScroll         Kind = "scroll"
	KindWait           Kind = "wait"
	KindExtract        Kind = "extract"
	KindScreenshot     Kind = "screenshot"
	KindVisitProfile   Kind = "visit_profile"
	KindSendMessage    Kind = "send_message"
	KindSendConnection Kind = "send_connection"
	KindFollow         Kind = "follow"
)

// Category groups kinds for rate limiting
type Category string

const (
	CategoryNavigation  Category = "navigation"
	CategoryInteraction Category = "interaction"
	CategoryRead        Category = "read"
	CategoryOutreach    Category = "outreach"
)

// Action is one atomic browser instruction. The set of implementations is
// closed: only the variants declared in this package satisfy it.
type Action interface {
	Kind() Kind
	// Target is the entity the action touches (URL, selector, recipient)
	Target() string
	// Content is the user-visible payload, if any (typed text, message body)
	Content() string
	Validate() error
	sealed()
}

// Navigate loads a URL in the current tab
type Navigate struct {
	URL string `json:"url"`
}

// Click clicks the first element matching Selector
type Click struct {
	Selector string `json:"selector"`
}

// Type enters Text into the element matching Selector
type Type struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// Scroll scrolls the page, or the element matching Selector, by DeltaY pixels
type Scroll struct {
	Selector string `json:"selector,omitempty"`
	DeltaY   int    `json:"delta_y"`
}

// Wait pauses inside the page for Duration
type Wait struct {
	Duration time.Duration `json:"duration"`
}

// Extract reads text (or Attribute) from elements matching Selector
type Extract struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
}

// Screenshot captures the viewport or the full page
type Screenshot struct {
	FullPage bool `json:"full_page,omitempty"`
}

// VisitProfile opens a member profile page
type VisitProfile struct {
	ProfileURL string `json:"profile_url"`
}

// SendMessage sends a direct message to Recipient
type SendMessage struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

// SendConnection sends a connection invite with an optional note
type SendConnection struct {
	ProfileURL string `json:"profile_url"`
	Note       string `json:"note,omitempty"`
}

// Follow follows a profile
type Follow struct {
	ProfileURL string `json:"profile_url"`
}

func (Navigate) Kind() Kind       { return KindNavigate }
func (Click) Kind() Kind          { return KindClick }
func (Type) Kind() Kind           { return KindType }
func (Scroll) Kind() Kind         { return KindScroll }
func (Wait) Kind() Kind           { return KindWait }
func (Extract) Kind() Kind        { return KindExtract }
func (Screenshot) Kind() Kind     { return KindScreenshot }
func (VisitProfile) Kind() Kind   { return KindVisitProfile }
func (SendMessage) Kind() Kind    { return KindSendMessage }
func (SendConnection) Kind() Kind { return KindSendConnection }
func (Follow) Kind() Kind         { return KindFollow }

func (a Navigate) Target() string       { return a.URL }
func (a Click) Target() string          { return a.Selector }
func (a Type) Target() string           { return a.Selector }
func (a Scroll) Target() string         { return a.Selector }
func (Wait) Target() string             { return "" }
func (a Extract) Target() string        { return a.Selector }
func (Screenshot) Target() string       { return "" }
func (a VisitProfile) Target() string   { return a.ProfileURL }
func (a SendMessage) Target() string    { return a.Recipient }
func (a SendConnection) Target() string { return a.ProfileURL }
func (a Follow) Target() string         { return a.ProfileURL }

func (Navigate) Content() string         { return "" }
func (Click) Content() string            { return "" }
func (a Type) Content() string           { return a.Text }
func (Scroll) Content() string           { return "" }
func (Wait) Content() string             { return "" }
func (Extract) Content() string          { return "" }
func (Screenshot) Content() string       { return "" }
func (VisitProfile) Content() string     { return "" }
func (a SendMessage) Content() string    { return a.Body }
func (a SendConnection) Content() string { return a.Note }
func (Follow) Content() string           { return "" }

func (Navigate) sealed()       {}
func (Click) sealed()          {}
func (Type) sealed()           {}
func (Scroll) sealed()         {}
func (Wait) sealed()           {}
func (Extract) sealed()        {}
func (Screenshot) sealed()     {}
func (VisitProfile) sealed()   {}
func (SendMessage) sealed()    {}
func (SendConnection) sealed() {}
func (Follow) sealed()         {}

func (a Navigate) Validate() error { return requireField(a.Kind(), "url", a.URL) }
func (a Click) Validate() error    { return requireField(a.Kind(), "selector", a.Selector) }
func (a Type) Validate() error     { return requireField(a.Kind(), "selector", a.Selector) }
func (Scroll) Validate() error     { return nil }
func (Screenshot) Validate() error { return nil }
func (a Extract) Validate() error  { return requireField(a.Kind(), "selector", a.Selector) }
func (a VisitProfile) Validate() error {
	return requireField(a.Kind(), "profile_url", a.ProfileURL)
}
func (a SendConnection) Validate() error {
	return requireField(a.Kind(), "profile_url", a.ProfileURL)
}
func (a Follow) Validate() error { return requireField(a.Kind(), "profile_url", a.ProfileURL) }

func (a Wait) Validate() error {
	if a.Duration < 0 {
		return fmt.Errorf("%s: duration must not be negative", a.Kind())
	}
	return nil
}

func (a SendMessage) Validate() error {
	if err := requireField(a.Kind(), "recipient", a.Recipient); err != nil {
		return err
	}
	return requireField(a.Kind(), "body", a.Body)
}

func requireField(kind Kind, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s: %s is required", kind, name)
	}
	return nil
}
