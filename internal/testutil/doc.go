// Package testutil provides testing utilities and fixtures for portal-auth.
// It includes a controllable clock, session fixtures, assertion helpers and a small
// builder for exercising HTTP handlers.
package testutil
