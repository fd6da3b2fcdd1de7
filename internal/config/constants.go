package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const ClaimCleanupInterval = time.Minute

// Session lease held in Redis while a connection is owned by this process
const (
	SessionLeaseTTL     = 30 * time.Second
	SessionLeaseRefresh = 10 * time.Second
)

// Credential write retries before a rotation is treated as lost
const (
	CredentialWriteAttempts = 3
	CredentialWriteBackoff  = 200 * time.Millisecond
)

// Bulk send request cap
const MaxBulkMessages = 100

// Sweep lock TTL; a crashed holder blocks sweeps for at most this long
const SweepLockTTL = 5 * time.Minute

// Upper bound for one background job run
const JobRunTimeout = 2 * time.Minute
