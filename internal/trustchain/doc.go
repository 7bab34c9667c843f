// Package trustchain implements the Ed25519 capability tokens that
// authenticate each hop: session certificates, routing tokens, agent access
// tokens and app infra tokens.
//
// Wire format is base64url(JSON claims) "." base64url(signature), where the
// signature covers the encoded claims segment. There is no header and no
// algorithm negotiation.
package trustchain
