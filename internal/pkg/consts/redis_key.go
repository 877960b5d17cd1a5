package consts

const (
	MigrationLock   = "lock:migration:account:"
	TokenRevokedKey = "auth:token:revoked:"
)
