/*
Package security provides the cryptographic pieces runway needs on both ends
of a connection.

# Den Auth Tokens

A dispatch server started with --den-auth only accepts calls that carry a
bearer token signed with its shared HS256 key:

	tm, _ := security.NewTokenManager(key)
	tok, _ := tm.Issue("alice", 24*time.Hour)
	// client: Authorization: Bearer <tok.Token>
	claims, err := tm.Validate(tok.Token) // errors wrap errdefs.ErrAuth

The key lives in a file (`runway token issue --secret-file`, `runway server
start --token-secret-file`); LoadOrCreateKey creates it with mode 0600.

# Secrets At Rest

Provider credentials kept in the local registry are sealed with AES-256-GCM.
The nonce is prepended to the ciphertext:

	[12-byte nonce][ciphertext + 16-byte tag]

Seal and Open convert between types.Secret and types.StoredSecret.

# Server Certificates

Clusters using the tls connection type serve HTTPS. Without an explicit
certificate the server generates a self-signed RSA certificate for its host
addresses and stores it under ~/.runway/certs, regenerating it when fewer
than 30 days of validity remain. Clients verify it against the cluster's
CACertPath, or skip verification when the cluster is marked TLSInsecure.
*/
package security
