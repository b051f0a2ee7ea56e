// Package auth authenticates the bridge operator and issues the bearer
// tokens that protect the operator API.
//
// There is one operator account, taken from the security.operator section
// of the configuration. Its password is held only as an Argon2id hash:
// either supplied pre-hashed (password_hash) or hashed once at startup from
// the plaintext password. Tokens are short-lived HS256 JWTs validated by
// signature alone.
package auth
