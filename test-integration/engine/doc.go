// Package engine holds end-to-end tests of the sync engine talking to the
// reference chunk service over HTTP.
package engine
