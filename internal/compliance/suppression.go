package compliance

import "strings"

// NormalizeTarget reduces a target to the form suppression entries are
// matched in: lowercase, trimmed, without scheme, "www." or trailing slash.
func NormalizeTarget(target string) string {
	t := strings.ToLower(strings.TrimSpace(target))
	if i := strings.Index(t, "://"); i >= 0 {
		t = t[i+3:]
	}
	t = strings.TrimPrefix(t, "www.")
	return strings.TrimRight(t, "/")
}

// AddSuppression adds targets to the do-not-contact set
func (g *Gatekeeper) AddSuppression(targets ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range targets {
		if n := NormalizeTarget(t); n != "" {
			g.suppressed[n] = struct{}{}
		}
	}
}

// RemoveSuppression removes targets from the do-not-contact set
func (g *Gatekeeper) RemoveSuppression(targets ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range targets {
		delete(g.suppressed, NormalizeTarget(t))
	}
}

// ReplaceSuppressions swaps the whole do-not-contact set
func (g *Gatekeeper) ReplaceSuppressions(targets []string) {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if n := NormalizeTarget(t); n != "" {
			set[n] = struct{}{}
		}
	}
	g.mu.Lock()
	g.suppressed = set
	g.mu.Unlock()
}

// IsSuppressed reports whether target is on the do-not-contact set
func (g *Gatekeeper) IsSuppressed(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressedLocked(target)
}

func (g *Gatekeeper) suppressedLocked(target string) bool {
	n := NormalizeTarget(target)
	if n == "" {
		return false
	}
	_, ok := g.suppressed[n]
	return ok
}
