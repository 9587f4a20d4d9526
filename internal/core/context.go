package core

import (
	"path"
	"sort"
	"strings"
	"time"
)

// ExecutionContext identifies the tenant scope a sequence works in.
type ExecutionContext struct {
	ClientName  string `json:"client_name" bson:"client_name"`
	AppName     string `json:"app_name" bson:"app_name"`
	ProjectName string `json:"project_name" bson:"project_name"`
}

// IsZero reports whether no identifier is set.
func (c ExecutionContext) IsZero() bool {
	return c.ClientName == "" && c.AppName == "" && c.ProjectName == ""
}

// Complete reports whether every identifier is set.
func (c ExecutionContext) Complete() bool {
	return c.ClientName != "" && c.AppName != "" && c.ProjectName != ""
}

// Prefix returns the object key prefix for the scope ("client/app/project/").
func (c ExecutionContext) Prefix() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.ClientName, c.AppName, c.ProjectName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return path.Join(parts...) + "/"
}

func (c ExecutionContext) String() string {
	return c.ClientName + "/" + c.AppName + "/" + c.ProjectName
}

// FileInfo describes one dataset available in a scope.
type FileInfo struct {
	DisplayName string   `json:"display_name"`
	Columns     []string `json:"columns"`
}

// FileInventory maps object paths to their description.
type FileInventory map[string]FileInfo

// Paths returns the inventory keys in sorted order.
func (inv FileInventory) Paths() []string {
	out := make([]string, 0, len(inv))
	for p := range inv {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Lookup finds a file by full path, display name or base name.
func (inv FileInventory) Lookup(name string) (string, FileInfo, bool) {
	if info, ok := inv[name]; ok {
		return name, info, true
	}
	for p, info := range inv {
		if strings.EqualFold(info.DisplayName, name) || strings.EqualFold(path.Base(p), name) {
			return p, info, true
		}
	}
	return "", FileInfo{}, false
}

// ContextSource records where the identifiers of a resolved context came from.
type ContextSource string

const (
	ContextSourceRecorded ContextSource = "recorded"
	ContextSourceDefault  ContextSource = "default"
)

// ResolvedContext is the result of one context refresh.
type ResolvedContext struct {
	Identifiers ExecutionContext `json:"identifiers"`
	Files       FileInventory    `json:"files"`
	Source      ContextSource    `json:"source"`
	ResolvedAt  time.Time        `json:"resolved_at"`
}
