// Package dataset reads the tables and grids of a SQLite dataset and keeps
// track of the export state of every output artifact.
//
// A dataset is a SQLite database. Every table whose name does not start with
// an underscore is exported. Free-form grids are listed in the optional
// _grids(checksum, title, url) table; their HTML documents live outside the
// database. The state of each output file is stored in _state_files and
// export failures are recorded in _error.
package dataset
