// Package auth issues and verifies the HS256 bearer tokens that UI
// sessions present during registration.
package auth
