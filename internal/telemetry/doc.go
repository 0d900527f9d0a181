// Package telemetry defines the typed contract of the fleet telemetry push
// stream and its validating decoder.
//
// A frame is accepted only if every entry it carries passes validation;
// anything else is reported as a *ParseError and the frame is dropped whole.
// The decoder also understands the field names emitted by earlier farm
// backends (timestamp, sample_panels, sector_summaries, dust_level).
package telemetry
