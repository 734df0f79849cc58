// Package idgen produces the short opaque tokens used as session identifiers.
// Generation goes through a package variable so tests can force collisions.
package idgen
