// Package version holds the program identity the version probe compares
// against the companion extension's reported library and SQL versions.
package version

// ProgramName identifies this client to the companion extension, the way
// the original C client's PROGRAM_NAME macro does.
const ProgramName = "repack"

// ProgramVersion is bumped alongside the companion extension it targets.
const ProgramVersion = "1.5.0"

// String returns the "<name> <version>" form the companion extension's
// version() and version_sql() functions are expected to echo back.
func String() string {
	return ProgramName + " " + ProgramVersion
}
