// Package calibration stores the per-mode posture baseline and runs the
// capture step of the calibration protocol.
//
// One scalar baseline is kept per mode under the key
// "posture.baseline.<mode>". It is absent until the first successful
// calibration and is overwritten by later ones.
//
// Stores:
//   - SQLiteStore: modernc.org/sqlite, schema managed by golang-migrate with
//     embedded migrations
//   - MemoryStore: in-process, for tests and simulations
//
// Manager owns the baseline of one mode. The processing lane reads it
// without locks; Capture replaces it after a successful save.
package calibration
