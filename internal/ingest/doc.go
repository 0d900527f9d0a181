// Package ingest implements the stream ingestor of the Solar Fleet Console.
//
// The ingestor turns raw stream messages into the authoritative per-unit and
// per-group table. Malformed messages are dropped without touching the table
// and without disturbing the stream. Entries older than the stored record are
// ignored. Subscribers receive one Change per accepted frame, in arrival
// order.
//
// An Ingestor is owned by the event loop and is not safe for concurrent use.
package ingest
