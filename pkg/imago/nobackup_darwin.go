//go:build darwin

package imago

import "golang.org/x/sys/unix"

// applyDoNotBackupHint sets the com.apple.metadata:com_apple_backup_excludeItem
// extended attribute, the filesystem-level equivalent of
// NSURLIsExcludedFromBackupKey, so a written cache file is not swept into
// iCloud/Time Machine backups when shouldDisableiCloud is set. Best-effort:
// failures are ignored rather than failing the cache write over a
// cosmetic hint.
func applyDoNotBackupHint(path string) {
	_ = unix.Setxattr(path, "com.apple.metadata:com_apple_backup_excludeItem", []byte("1"), 0)
}
