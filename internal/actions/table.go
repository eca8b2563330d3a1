package actions

// kindInfo is the static policy table entry for one kind
type kindInfo struct {
	category         Category
	requiresApproval bool
}

var kindTable = map[Kind]kindInfo{
	KindNavigate:       {category: CategoryNavigation},
	KindVisitProfile:   {category: CategoryNavigation},
	KindClick:          {category: CategoryInteraction},
	KindType:           {category: CategoryInteraction},
	KindScroll:         {category: CategoryInteraction},
	KindWait:           {category: CategoryInteraction},
	KindExtract:        {category: CategoryRead},
	KindScreenshot:     {category: CategoryRead},
	KindSendMessage:    {category: CategoryOutreach, requiresApproval: true},
	KindSendConnection: {category: CategoryOutreach, requiresApproval: true},
	KindFollow:         {category: CategoryOutreach, requiresApproval: true},
}

// CategoryOf returns the rate-limit category of a kind
func CategoryOf(k Kind) Category {
	if info, ok := kindTable[k]; ok {
		return info.category
	}
	return CategoryInteraction
}

// RequiresApproval reports whether the static table gates a kind behind
// human approval.
func RequiresApproval(k Kind) bool {
	return kindTable[k].requiresApproval
}

// IsKnown reports whether k names a declared action variant
func IsKnown(k Kind) bool {
	_, ok := kindTable[k]
	return ok
}

// Kinds returns every declared kind
func Kinds() []Kind {
	return []Kind{
		KindNavigate, KindClick, KindType, KindScroll, KindWait, KindExtract,
		KindScreenshot, KindVisitProfile, KindSendMessage, KindSendConnection, KindFollow,
	}
}

// Preview is the human-readable summary shown on an approval prompt
type Preview struct {
	Target  string `json:"target"`
	Content string `json:"content,omitempty"`
}

// PreviewOf builds the approval preview for an action, truncating long content
func PreviewOf(a Action) Preview {
	content := a.Content()
	runes := []rune(content)
	if len(runes) > 280 {
		content = string(runes[:280]) + "…"
	}
	return Preview{Target: a.Target(), Content: content}
}
