/*
Package storage provides BoltDB-backed persistence for the instance pool's
state: ports, instances, allocations and cached files.

# Architecture

	┌────────────────── BOLTDB STORAGE ──────────────────┐
	│  BoltStore                                          │
	│   File: Database.Path (see pkg/config)              │
	│                                                      │
	│  Buckets:                                           │
	│    ports       (Port.Number, zero-padded key)       │
	│    instances   (Instance.ID, zero-padded key)       │
	│    allocations (Allocation.ID, zero-padded key)     │
	│    cached      (CachedFile.URL)                     │
	│    sequences   (monotonic id counters)              │
	└──────────────────────────────────────────────────────┘

Write transactions are serialized by BoltDB itself (single writer), which
is what makes ReservePort linearizable without any extra application-level
lock: two concurrent ReservePort calls cannot both observe the same port as
UNASSIGNED, because the second call's transaction starts only after the
first commits.

# Create, update and idempotent release

Create assigns the next sequence id and Puts the record; Update Puts only
over an existing key and returns a not-found error otherwise, so it is not
an upsert. ReleasePort is idempotent (sets UNASSIGNED regardless of prior
state).

# See also

  - pkg/portregistry for the higher-level Port Registry API built on top
    of this store's port methods.
  - pkg/coordinator for the state-machine logic driving Instance/Allocation
    mutations.
*/
package storage
