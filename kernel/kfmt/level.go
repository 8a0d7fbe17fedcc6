package kfmt

// Warnf prefixes format with a "[WARN]" tag before delegating to Printf. It
// is used by subsystems that can recover from the condition being reported
// (a dropped packet, a retried sector read) as opposed to Panic, which never
// returns.
func Warnf(format string, args ...interface{}) {
	Printf("[WARN] "+format, args...)
}

// Errorf prefixes format with an "[ERROR]" tag before delegating to Printf.
// Unlike Panic, the caller is expected to unwind gracefully (close a
// connection, fail a single mount attempt) rather than halt the CPU.
func Errorf(format string, args ...interface{}) {
	Printf("[ERROR] "+format, args...)
}
