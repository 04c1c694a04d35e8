//go:build !darwin

package imago

// applyDoNotBackupHint is a no-op on platforms with no equivalent
// backup-exclusion facility.
func applyDoNotBackupHint(path string) {}
