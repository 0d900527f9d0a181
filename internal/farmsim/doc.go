// Package farmsim implements the solar farm simulator for the Solar Fleet Console.
//
// The simulator generates a grid of sectors with roughly a few dozen
// panels each, drifts their dust and efficiency on a fixed tick, pushes
// sampled frames over a WebSocket and accepts clean actions over HTTP.
// Modes degraded and offline make actions fail and the stream refuse
// connections, so the console's failure paths can be exercised.
package farmsim
