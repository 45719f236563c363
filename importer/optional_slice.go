package importer

import "github.com/moznion/go-optional"

// OptionalFirst returns the first element of s, if any.
func OptionalFirst[S ~[]E, E any](s S) optional.Option[E] {
	return OptionalFind(s, func(E) bool { return true })
}

// OptionalFind returns the first element of s that matches.
func OptionalFind[S ~[]E, E any](s S, match func(E) bool) optional.Option[E] {
	for _, e := range s {
		if match(e) {
			return optional.Some(e)
		}
	}
	return optional.None[E]()
}
