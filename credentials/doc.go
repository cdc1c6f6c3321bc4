// Package credentials verifies usernames and passwords against an ordered list of
// credential tiers.
//
// Three tiers exist, always evaluated in this order:
//
//  1. Primary: the per-tenant account table (AccountRepository)
//  2. LegacyMulti: a flat list of historical accounts, usually loaded from YAML
//  3. LegacySingle: one global username/hash pair
//
// The first tier that knows the username decides the outcome. A wrong password on
// a higher tier never falls through to a lower one.
//
// Every verification performs exactly one bcrypt comparison, against a dummy hash
// when no tier matched, so response timing does not reveal whether a username exists.
package credentials
