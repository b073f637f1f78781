// Package store defines the persisted entities of the harvesting pipeline and
// the interfaces stages use to read and write them. Implementations live in
// subpackages; this package must not import database drivers.
package store
