package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/srivishnuk/pt-instances-management/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPorts       = []byte("ports")
	bucketInstances   = []byte("instances")
	bucketAllocations = []byte("allocations")
	bucketCached      = []byte("cached")
	bucketSequences   = []byte("sequences")
)

const (
	seqInstance = "instance"
	seqAlloc    = "allocation"
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the BoltDB database at dbPath,
// matching config.DatabaseConfig.Path's file-path convention.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketPorts, bucketInstances, bucketAllocations, bucketCached, bucketSequences}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func portKey(number int) []byte {
	return []byte(fmt.Sprintf("%010d", number))
}

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func nextSeq(tx *bolt.Tx, name string) (int64, error) {
	b := tx.Bucket(bucketSequences)
	raw := b.Get([]byte(name))
	var cur uint64
	if raw != nil {
		cur = binary.BigEndian.Uint64(raw)
	}
	cur++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur)
	if err := b.Put([]byte(name), buf); err != nil {
		return 0, err
	}
	return int64(cur), nil
}

// --- Ports ---

// InitPorts populates the registry with one UNASSIGNED row per port number
// in [lowest, highest], skipping numbers that already have a row (so this
// is safe to call again on an existing database without resetting
// assignments).
func (s *BoltStore) InitPorts(lowest, highest int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		for n := lowest; n <= highest; n++ {
			key := portKey(n)
			if b.Get(key) != nil {
				continue
			}
			p := types.Port{Number: n, InstanceID: types.InstanceIDUnassigned}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetPort(number int) (*types.Port, error) {
	var p types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		data := b.Get(portKey(number))
		if data == nil {
			return fmt.Errorf("not found: port %d", number)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) AllPorts() ([]*types.Port, error) {
	return s.filterPorts(func(*types.Port) bool { return true })
}

func (s *BoltStore) AvailablePorts() ([]*types.Port, error) {
	return s.filterPorts(func(p *types.Port) bool { return p.InstanceID == types.InstanceIDUnassigned })
}

func (s *BoltStore) UnavailablePorts() ([]*types.Port, error) {
	return s.filterPorts(func(p *types.Port) bool { return p.InstanceID != types.InstanceIDUnassigned })
}

func (s *BoltStore) filterPorts(keep func(*types.Port) bool) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.ForEach(func(_, v []byte) error {
			var p types.Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if keep(&p) {
				ports = append(ports, &p)
			}
			return nil
		})
	})
	return ports, err
}

// ReservePort atomically picks the lowest-numbered UNASSIGNED port, sets
// it RESERVED, and returns it. BoltDB's single-writer transaction model
// makes this linearizable: no two calls can both observe the same port as
// free.
func (s *BoltStore) ReservePort() (*types.Port, error) {
	var reserved *types.Port
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p types.Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.InstanceID != types.InstanceIDUnassigned {
				continue
			}
			p.InstanceID = types.InstanceIDReserved
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			reserved = &p
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// AssignPort binds a RESERVED port to an instance id.
func (s *BoltStore) AssignPort(number int, instanceID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		key := portKey(number)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("not found: port %d", number)
		}
		var p types.Port
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.InstanceID != types.InstanceIDReserved {
			return fmt.Errorf("port %d is not reserved (state=%d)", number, p.InstanceID)
		}
		p.InstanceID = instanceID
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// ReleasePort sets a port UNASSIGNED regardless of its prior state.
func (s *BoltStore) ReleasePort(number int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		key := portKey(number)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("not found: port %d", number)
		}
		var p types.Port
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.InstanceID = types.InstanceIDUnassigned
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// --- Instances ---

func (s *BoltStore) CreateInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := nextSeq(tx, seqInstance)
		if err != nil {
			return err
		}
		inst.ID = id
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put(idKey(inst.ID), data)
	})
}

func (s *BoltStore) GetInstance(id int64) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(idKey(id))
		if data == nil {
			return fmt.Errorf("not found: instance %d", id)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) GetInstanceByDockerID(dockerID string) (*types.Instance, error) {
	var found *types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.DockerID == dockerID {
				found = &inst
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("not found: instance with docker id %s", dockerID)
	}
	return found, nil
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) UpdateInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		key := idKey(inst.ID)
		if b.Get(key) == nil {
			return fmt.Errorf("not found: instance %d", inst.ID)
		}
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// --- Allocations ---

func (s *BoltStore) CreateAllocation(alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := nextSeq(tx, seqAlloc)
		if err != nil {
			return err
		}
		alloc.ID = id
		b := tx.Bucket(bucketAllocations)
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return b.Put(idKey(alloc.ID), data)
	})
}

func (s *BoltStore) GetAllocation(id int64) (*types.Allocation, error) {
	var alloc types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data := b.Get(idKey(id))
		if data == nil {
			return fmt.Errorf("not found: allocation %d", id)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocations []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.ForEach(func(_, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocations = append(allocations, &alloc)
			return nil
		})
	})
	return allocations, err
}

func (s *BoltStore) UpdateAllocation(alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		key := idKey(alloc.ID)
		if b.Get(key) == nil {
			return fmt.Errorf("not found: allocation %d", alloc.ID)
		}
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// --- CachedFiles ---

func (s *BoltStore) CreateCachedFile(cf *types.CachedFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		data, err := json.Marshal(cf)
		if err != nil {
			return err
		}
		return b.Put([]byte(cf.URL), data)
	})
}

func (s *BoltStore) GetCachedFile(url string) (*types.CachedFile, error) {
	var cf types.CachedFile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		data := b.Get([]byte(url))
		if data == nil {
			return fmt.Errorf("not found: cached file %s", url)
		}
		return json.Unmarshal(data, &cf)
	})
	if err != nil {
		return nil, err
	}
	return &cf, nil
}

func (s *BoltStore) ListCachedFiles() ([]*types.CachedFile, error) {
	var files []*types.CachedFile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		return b.ForEach(func(_, v []byte) error {
			var cf types.CachedFile
			if err := json.Unmarshal(v, &cf); err != nil {
				return err
			}
			files = append(files, &cf)
			return nil
		})
	})
	return files, err
}

func (s *BoltStore) DeleteCachedFile(url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		return b.Delete([]byte(url))
	})
}
