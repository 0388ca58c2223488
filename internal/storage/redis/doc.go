// Package redis opens the shared go-redis client used by the session store,
// the dispatcher's completion ledger and the inbox queue, and builds the
// namespaced keys they share.
package redis
