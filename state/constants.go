package state

import "time"

// TTL sentinel. Values carrying this TTL never expire.
const TtlInfinity int64 = -1

// Version 0 is reserved for hash-only entries used during synchronization.
const HashOnlyVersion uint64 = 0

var (
	// Spark timers.
	SparkHelloInterval     = 20 * time.Second
	SparkFastInitInterval  = 500 * time.Millisecond
	SparkHeartbeatInterval = time.Second
	SparkHandshakeInterval = 500 * time.Millisecond
	SparkNegotiateHold     = 5 * time.Second
	SparkHeartbeatHold     = 5 * time.Second
	SparkSeqnoDedupTTL     = 10 * time.Minute

	// KvStore timers.
	KvStoreDbSyncInterval  = 60 * time.Second
	KvStoreSyncTimeout     = 5 * time.Second
	KvStoreMinTtlToAdd     = 500 * time.Millisecond
	KvStoreFloodRate       = 100.0 // messages/sec, token bucket
	KvStoreFloodBurst      = 100
	KvStoreFullSyncMinPar  = 2
	KvStoreFullSyncMaxPar  = 16
	KvStoreLongPollHold    = 20 * time.Second
	KvStorePubBufferWindow = 50 * time.Millisecond

	// LinkMonitor timers.
	LinkMonitorAdjThrottle       = 100 * time.Millisecond
	LinkMonitorIfaceThrottle     = 250 * time.Millisecond
	LinkMonitorFlapInitialBackoff = time.Second
	LinkMonitorFlapMaxBackoff     = 8 * time.Second
	LinkMonitorHoldOnStart        = 5 * time.Second

	// PrefixManager timers.
	PrefixManagerThrottle = 250 * time.Millisecond

	// Decision timers.
	DecisionDebounceMin = 10 * time.Millisecond
	DecisionDebounceMax = 250 * time.Millisecond
	DecisionHoldTicks   = 5

	// Fib timers.
	FibSyncInitialBackoff  = 500 * time.Millisecond
	FibSyncMaxBackoff      = 32 * time.Second
	FibAliveSincePoll      = 2 * time.Second
	FibResyncDebounce      = 500 * time.Millisecond

	// Watchdog.
	WatchdogTick     = 5 * time.Second
	WatchdogDeadline = 15 * time.Second

	// Open/R's assigned client id in the forwarding agent's multi-client model.
	FibClientId uint16 = 786
)
