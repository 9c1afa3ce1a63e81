// Package domain defines the value types and contracts shared by every part of
// spacesync: operation identifiers and their total order, the persistence layer
// contract, space pointers and the error taxonomy. It must not depend on any
// internal implementation package.
package domain
