// Package pwchange serialises password changes per subject across any
// number of service instances that share one store.
//
// Producers call Coordinator.Submit, which verifies the current secret,
// takes the subject lock and enqueues the request. One Worker per
// deployment drains the queue at a fixed interval, one item per tick,
// re-verifies the current secret, persists the new hash and always releases
// the lock.
//
// The lock TTL and the queue item have independent lifetimes. If the worker
// falls more than a TTL behind, the lock expires while the item is still
// queued: a second submission for the same subject is then accepted and both
// items are processed in order. The later item fails re-verification if the
// first one changed the secret, and the earlier item's release can drop the
// second submission's lock before its item runs. Keep the TTL well above the
// expected queue delay.
package pwchange
