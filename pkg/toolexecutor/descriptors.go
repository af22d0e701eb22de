package toolexecutor

import (
	"sort"

	"github.com/huandu/go-clone"

	"github.com/harun/parley/pkg/errs"
)

// Descriptor is the MCP tool listing form handed to models.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Category    ToolCategory           `json:"category,omitempty"`
	Favorite    bool                   `json:"favorite,omitempty"`
}

// ListAvailable returns tool descriptors sorted by name. With activeOnly set,
// deactivated tools are omitted.
func (te *ToolExecutor) ListAvailable(activeOnly bool) []Descriptor {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]Descriptor, 0, len(te.tools))
	for _, rt := range te.tools {
		if activeOnly && !rt.active {
			continue
		}
		out = append(out, Descriptor{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			InputSchema: clone.Clone(rt.schemaMap).(map[string]interface{}),
			Category:    rt.def.Category,
			Favorite:    rt.favorite,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns active descriptors in the given category.
func (te *ToolExecutor) ListByCategory(category ToolCategory) []Descriptor {
	all := te.ListAvailable(true)
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// HasActive reports whether at least one tool is active.
func (te *ToolExecutor) HasActive() bool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	for _, rt := range te.tools {
		if rt.active {
			return true
		}
	}
	return false
}

// SetActive toggles whether a tool is offered to models.
func (te *ToolExecutor) SetActive(name string, active bool) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	rt, ok := te.tools[name]
	if !ok {
		return errs.ToolNotFound(name)
	}
	rt.active = active
	return nil
}

// IsActive reports whether a tool is registered and active.
func (te *ToolExecutor) IsActive(name string) bool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	rt, ok := te.tools[name]
	return ok && rt.active
}

// SetFavorite marks or unmarks a tool as a favorite.
func (te *ToolExecutor) SetFavorite(name string, favorite bool) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	rt, ok := te.tools[name]
	if !ok {
		return errs.ToolNotFound(name)
	}
	rt.favorite = favorite
	return nil
}

// Favorites returns the favorite tool names, sorted.
func (te *ToolExecutor) Favorites() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := []string{}
	for name, rt := range te.tools {
		if rt.favorite {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
