// Package feed implements the view event feed for the Solar Fleet Console.
//
// The hub fans merged view changes out to SSE clients, opens every stream
// with a ready snapshot and keeps the last N events so a reconnecting client
// can resume with Last-Event-ID.
package feed
