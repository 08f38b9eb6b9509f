// Package auth verifies client bearer tokens.
//
// Clients authenticate with HS256 JWTs signed with the configured
// jwt_secret. The "sub" claim names the client and becomes the task's
// client reference.
//
// HTTP requests carry the token in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Browsers cannot set headers on a websocket upgrade, so the token may
// also be passed as the "token" query parameter.
//
// Middleware rejects requests without a valid token; OptionalMiddleware
// attaches the identity when a valid token is present and lets anonymous
// requests through otherwise. Handlers read the identity with FromContext.
//
// Tokens are minted with JWTVerifier.Generate, which the CLI exposes as
// "pilot-gateway token".
package auth
