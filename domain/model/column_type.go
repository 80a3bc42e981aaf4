package model

import "strings"

// ColumnTypeFromDeclared maps a declared SQL column type to a ColumnType
// following SQLite's affinity rules. Date and time declarations, which SQLite
// gives NUMERIC affinity, become ColumnTypeDatetime.
func ColumnTypeFromDeclared(declared string) ColumnType {
	decl := strings.ToUpper(strings.TrimSpace(declared))
	switch {
	case strings.Contains(decl, "INT"):
		return ColumnTypeInteger
	case strings.Contains(decl, "CHAR"), strings.Contains(decl, "CLOB"), strings.Contains(decl, "TEXT"):
		return ColumnTypeText
	case decl == "", strings.Contains(decl, "BLOB"):
		return ColumnTypeText
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return ColumnTypeReal
	case strings.Contains(decl, "DATE"), strings.Contains(decl, "TIME"):
		return ColumnTypeDatetime
	default:
		return ColumnTypeReal
	}
}

// IsNumeric reports whether values of the type are stored as numbers
func (ct ColumnType) IsNumeric() bool {
	return ct == ColumnTypeInteger || ct == ColumnTypeReal
}
