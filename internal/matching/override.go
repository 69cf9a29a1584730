package matching

import (
	"fmt"
	"strings"

	"tenderline/internal/domain"
	"tenderline/internal/failure"
)

// Override is a user's edit of one requirement's match. Nil flags keep the
// value derived from the edited item list.
type Override struct {
	AddItems        []string `json:"add_items,omitempty"`
	RemoveItems     []string `json:"remove_items,omitempty"`
	ForceGeneration *bool    `json:"force_generation,omitempty"`
	ForceUpload     *bool    `json:"force_upload,omitempty"`
}

// ApplyOverride derives the manual version that supersedes current. Added
// items must exist in the snapshot.
func ApplyOverride(current domain.ContentMatch, snap *Snapshot, o Override) (domain.ContentMatch, error) {
	for _, id := range o.AddItems {
		if _, ok := snap.Get(id); !ok {
			return domain.ContentMatch{}, failure.Validation("override", "unknown content item %s", id)
		}
	}
	removed := map[string]bool{}
	for _, id := range o.RemoveItems {
		removed[id] = true
	}
	seen := map[string]bool{}
	items := []string{}
	for _, id := range append(append([]string{}, current.ItemIDs...), o.AddItems...) {
		if removed[id] || seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, id)
	}
	needsGen := len(items) == 0
	if o.ForceGeneration != nil {
		needsGen = *o.ForceGeneration
	}
	needsUpload := current.NeedsUpload
	if o.ForceUpload != nil {
		needsUpload = *o.ForceUpload
	}
	if needsUpload && needsGen {
		if o.ForceGeneration != nil && *o.ForceGeneration && o.ForceUpload != nil && *o.ForceUpload {
			return domain.ContentMatch{}, failure.Validation("override", "a requirement cannot need both generation and upload")
		}
		if o.ForceGeneration != nil && *o.ForceGeneration {
			needsUpload = false
		} else {
			needsGen = false
		}
	}
	var parts []string
	if len(o.AddItems) > 0 {
		parts = append(parts, "+"+strings.Join(o.AddItems, ","))
	}
	if len(o.RemoveItems) > 0 {
		parts = append(parts, "-"+strings.Join(o.RemoveItems, ","))
	}
	if o.ForceGeneration != nil {
		parts = append(parts, fmt.Sprintf("generation=%t", *o.ForceGeneration))
	}
	if o.ForceUpload != nil {
		parts = append(parts, fmt.Sprintf("upload=%t", *o.ForceUpload))
	}
	return domain.ContentMatch{
		ProjectID:       current.ProjectID,
		RequirementID:   current.RequirementID,
		ItemIDs:         items,
		Confidence:      1.0,
		Strategy:        domain.StrategyManual,
		NeedsGeneration: needsGen,
		NeedsUpload:     needsUpload,
		Rationale:       "manual override " + strings.Join(parts, " "),
	}, nil
}
