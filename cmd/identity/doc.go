// Package identity resolves user ids to display profiles.
//
// Authentication is handled upstream. This package only answers
// "who is user X" for presence snapshots and invite checks.
package identity
