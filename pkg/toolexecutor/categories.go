package toolexecutor

import "strings"

// ToolCategory groups tools for listing.
type ToolCategory string

const (
	CategoryRead     ToolCategory = "read"
	CategoryWrite    ToolCategory = "write"
	CategoryWeb      ToolCategory = "web"
	CategoryMath     ToolCategory = "math"
	CategoryText     ToolCategory = "text"
	CategoryDateTime ToolCategory = "datetime"
	CategoryGeneral  ToolCategory = "general"
	CategoryMCP      ToolCategory = "mcp"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryRead,
		CategoryWrite,
		CategoryWeb,
		CategoryMath,
		CategoryText,
		CategoryDateTime,
		CategoryGeneral,
		CategoryMCP,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}
