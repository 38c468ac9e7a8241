// Package merge reconciles server-origin and locally-created records into a
// single de-duplicated view.
//
// The server is authoritative for any record it knows about; provisional
// records stay visible until they are either confirmed by the server or
// explicitly deleted by the user. A create that is still queued, never
// attempted, is not an error state.
package merge

// Identifiable exposes the one authoritative identifier of a record: the
// server id once confirmed, the provisional id until then.
type Identifiable interface {
	Identity() string
}

// Entities merges a server-fetched list with a locally-stored list.
//
// The result is order-stable: the server list first, then every local record
// whose identity the server does not know. No identity appears twice.
func Entities[T Identifiable](server, local []T) []T {
	confirmed := make(map[string]struct{}, len(server))
	for _, s := range server {
		confirmed[s.Identity()] = struct{}{}
	}

	out := make([]T, 0, len(server)+len(local))
	out = append(out, server...)

	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		id := l.Identity()
		if _, ok := confirmed[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, l)
	}

	return out
}

// Confirmed reports whether id appears in the server list, i.e. the local
// provisional copy (if any) is now a duplicate and should be dropped.
func Confirmed[T Identifiable](server []T, id string) bool {
	for _, s := range server {
		if s.Identity() == id {
			return true
		}
	}
	return false
}
