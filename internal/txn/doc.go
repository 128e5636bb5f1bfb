// Package txn implements the MULTI/EXEC/DISCARD/WATCH state machine
// for a single connection.
//
// A Tx tracks its own queue of pending commands and watched-key
// snapshots; it never touches the keyspace directly except through
// the KeyChecker passed to Watch and Exec, keeping this package
// independent of the keyspace and command-dispatch packages.
package txn
