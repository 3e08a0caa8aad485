// Package auth authenticates huddle relay clients.
//
// Clients present an HS256 JWT signed with the relay's configured secret.
// The "sub" claim is the chat user id; optional "name" and "email" claims
// seed the member metadata when the client's join frame omits them.
//
// HTTPAuthMiddleware verifies the token from the Authorization header, or the
// "token" query parameter for browser websocket clients, and stores the
// Identity on the request context for handlers to read with FromContext.
package auth
