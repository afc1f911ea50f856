package pathtemplate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TablePlaceholder is substituted with the table name.
// The shorter {table} form is accepted as an alias.
const (
	TablePlaceholder      = "{table_name}"
	TableAliasPlaceholder = "{table}"
)

var (
	ErrTablePlaceholderMissing = errors.New("template must contain {table_name} placeholder")
	ErrNotAFileName            = errors.New("template must render to a bare file name without directories")
	ErrTableNotInFileName      = errors.New("last path segment must contain {table_name} followed by a delimiter such as '-' or '.'")
)

// PathTemplate renders destination URIs and file names from templates
type PathTemplate struct {
	template string
}

// New creates a new PathTemplate instance
func New(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// String returns the raw template
func (pt *PathTemplate) String() string {
	return pt.template
}

// HasTablePlaceholder reports whether the template references the table name
func (pt *PathTemplate) HasTablePlaceholder() bool {
	return strings.Contains(pt.template, TablePlaceholder) || strings.Contains(pt.template, TableAliasPlaceholder)
}

// Validate checks that rendering for different tables yields different results
func (pt *PathTemplate) Validate() error {
	if !pt.HasTablePlaceholder() {
		return fmt.Errorf("%w: '%s'", ErrTablePlaceholderMissing, pt.template)
	}
	return nil
}

// ValidatePartitionName checks that the object name, not only its directory,
// carries the table name followed by a delimiter. Downloaded partitions are
// stored by base name and picked up per table by that name.
func (pt *PathTemplate) ValidatePartitionName() error {
	if err := pt.Validate(); err != nil {
		return err
	}
	name := pt.template[strings.LastIndex(pt.template, "/")+1:]
	for _, placeholder := range []string{TablePlaceholder, TableAliasPlaceholder} {
		idx := strings.Index(name, placeholder)
		if idx < 0 {
			continue
		}
		rest := name[idx+len(placeholder):]
		if rest != "" && isDelimiter(rest[0]) {
			return nil
		}
	}
	return fmt.Errorf("%w: '%s'", ErrTableNotInFileName, pt.template)
}

// isDelimiter reports whether c cannot continue a table name or a wildcard run
func isDelimiter(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	}
	return c != '_' && c != '*' && c != '{'
}

// ValidateFileName checks the template renders to a file name that stays in its directory
func (pt *PathTemplate) ValidateFileName() error {
	if err := pt.Validate(); err != nil {
		return err
	}
	rendered := pt.Generate("t", time.Time{})
	if rendered != filepath.Base(rendered) || rendered == "." || rendered == ".." {
		return fmt.Errorf("%w: '%s'", ErrNotAFileName, pt.template)
	}
	return nil
}

// Generate replaces placeholders in the template with actual values
// Supports: {table_name}, {table}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(tableName string, timestamp time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, TablePlaceholder, tableName)
	result = strings.ReplaceAll(result, TableAliasPlaceholder, tableName)

	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return result
}

// Render is Generate with the current time
func (pt *PathTemplate) Render(tableName string) string {
	return pt.Generate(tableName, time.Now())
}
