package build

var (
	// urbackupDataDir is the environment variable that tells the server where
	// to put its working directory (databases, identity keys, logs).
	urbackupDataDir = "URBACKUP_DATA_DIR"

	// urbackupBackupFolder is the environment variable that overrides the
	// root of the on-disk backup storage tree (<backupfolder>/<client>/...).
	urbackupBackupFolder = "URBACKUP_BACKUP_FOLDER"

	// urbackupTokenFile is the environment variable that overrides the path
	// of the shared server token file (urbackup/server_token.key).
	urbackupTokenFile = "URBACKUP_TOKEN_FILE"
)
