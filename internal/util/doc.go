// Package util holds small helpers shared by portal-auth packages: log-safe token
// prefixes and identifier parsing.
package util
