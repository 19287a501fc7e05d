package toolexecutor

import "strings"

// ToolCategory groups tools by the kind of side effect they have
type ToolCategory string

const (
	CategoryRead    ToolCategory = "read"
	CategoryWrite   ToolCategory = "write"
	CategoryShell   ToolCategory = "shell"
	CategoryWeb     ToolCategory = "web"
	CategoryGeneral ToolCategory = "general"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryRead,
		CategoryWrite,
		CategoryShell,
		CategoryWeb,
		CategoryGeneral,
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

// RequiresApproval reports whether tools of this category must pass the Gate
func (c ToolCategory) RequiresApproval() bool {
	return c == CategoryWrite || c == CategoryShell
}
