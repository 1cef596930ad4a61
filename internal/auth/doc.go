// Package auth verifies operator credentials for the HTTP API.
//
// Passwords are stored as Argon2id hashes in PHC string format
// ($argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>), so configuration files
// never hold plaintext. The API exchanges verified credentials for a
// short-lived bearer token.
package auth
