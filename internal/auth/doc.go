// Package auth implements bearer token authentication for the Solar Fleet Console.
//
// Tokens are JWTs signed with HS256 or RS256. Callers hold the scopes read,
// control and telemetry, either explicitly or through the viewer and
// operator roles.
package auth
