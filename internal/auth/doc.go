// Package auth authenticates API and WebSocket callers of pinn-gateway.
//
// Callers present an HS256 JWT signed with the configured jwt_secret, either
// as an Authorization bearer header or, for browser WebSocket clients that
// cannot set headers, as a token query parameter.
//
// Tokens carry two claims:
//
//   - sub: who the caller is, recorded in logs
//   - role: "viewer" may read workflows and watch progress, "operator" may
//     also submit and stop workflows
//
// Tokens are minted with the token subcommand:
//
//	pinn-gateway token --subject ci --role operator --ttl 24h
//
// When no secret is configured the gateway runs open and every request is
// treated as an operator.
package auth
