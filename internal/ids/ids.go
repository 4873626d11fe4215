// Package ids issues the identifiers used for cards and transactions.
package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier. Sorting by id is
// equivalent to sorting by creation time, which list queries rely on.
func New() string {
	return ulid.Make().String()
}
