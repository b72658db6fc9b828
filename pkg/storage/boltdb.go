package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices       = []byte("devices")
	bucketEventChannels = []byte("event_channels")
	bucketDeviceProps   = []byte("device_properties")
	bucketAttrProps     = []byte("attribute_properties")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tango.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketEventChannels,
			bucketDeviceProps,
			bucketAttrProps,
		}

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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Names are case insensitive.
func key(name string) []byte {
	return []byte(strings.ToLower(name))
}

func notDefined(kind, name string) error {
	return types.Throw(types.ReasonDeviceNotDefined,
		fmt.Sprintf("%s %s not defined in the database", kind, name), "BoltStore")
}

// Device operations
func (s *BoltStore) PutDevice(dev *types.DbDevice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put(key(dev.Name), data)
	})
}

func (s *BoltStore) GetDevice(name string) (*types.DbDevice, error) {
	var dev types.DbDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get(key(name))
		if data == nil {
			return notDefined("device", name)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) ListDevices() ([]*types.DbDevice, error) {
	var devices []*types.DbDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var dev types.DbDevice
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) DeleteDevice(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Delete(key(name)); err != nil {
			return err
		}
		if err := deleteNested(tx.Bucket(bucketDeviceProps), key(name)); err != nil {
			return err
		}
		// Attribute property buckets are keyed "<device>/<attr>"
		attrs := tx.Bucket(bucketAttrProps)
		prefix := append(key(name), '/')
		var doomed [][]byte
		c := attrs.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := attrs.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Event channel operations
func (s *BoltStore) PutEventChannel(ch *types.DbEventChannel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventChannels)
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return b.Put(key(ch.Name), data)
	})
}

func (s *BoltStore) GetEventChannel(name string) (*types.DbEventChannel, error) {
	var ch types.DbEventChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEventChannels).Get(key(name))
		if data == nil {
			return notDefined("event channel", name)
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStore) ListEventChannels() ([]*types.DbEventChannel, error) {
	var channels []*types.DbEventChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEventChannels).ForEach(func(k, v []byte) error {
			var ch types.DbEventChannel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			channels = append(channels, &ch)
			return nil
		})
	})
	return channels, err
}

func (s *BoltStore) DeleteEventChannel(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEventChannels).Delete(key(name))
	})
}

// Property operations. Each owner gets a nested bucket mapping the
// property name to its JSON encoded values.
func putProperty(parent *bolt.Bucket, owner []byte, name string, values []string) error {
	b, err := parent.CreateBucketIfNotExists(owner)
	if err != nil {
		return fmt.Errorf("failed to create property bucket %s: %w", owner, err)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return b.Put(key(name), data)
}

func getProperties(parent *bolt.Bucket, owner []byte) (types.Properties, error) {
	props := types.Properties{}
	b := parent.Bucket(owner)
	if b == nil {
		return props, nil
	}
	err := b.ForEach(func(k, v []byte) error {
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return err
		}
		props[string(k)] = values
		return nil
	})
	return props, err
}

func deleteNested(parent *bolt.Bucket, owner []byte) error {
	if parent.Bucket(owner) == nil {
		return nil
	}
	return parent.DeleteBucket(owner)
}

func (s *BoltStore) PutDeviceProperty(device, name string, values []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putProperty(tx.Bucket(bucketDeviceProps), key(device), name, values)
	})
}

func (s *BoltStore) GetDeviceProperties(device string) (types.Properties, error) {
	var props types.Properties
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		props, err = getProperties(tx.Bucket(bucketDeviceProps), key(device))
		return err
	})
	return props, err
}

func (s *BoltStore) DeleteDeviceProperty(device, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceProps).Bucket(key(device))
		if b == nil {
			return nil
		}
		return b.Delete(key(name))
	})
}

func attrKey(device, attr string) []byte {
	return key(device + "/" + attr)
}

func (s *BoltStore) PutAttributeProperty(device, attr, name string, values []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putProperty(tx.Bucket(bucketAttrProps), attrKey(device, attr), name, values)
	})
}

func (s *BoltStore) GetAttributeProperties(device, attr string) (types.Properties, error) {
	var props types.Properties
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		props, err = getProperties(tx.Bucket(bucketAttrProps), attrKey(device, attr))
		return err
	})
	return props, err
}

func (s *BoltStore) DeleteAttributeProperty(device, attr, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttrProps).Bucket(attrKey(device, attr))
		if b == nil {
			return nil
		}
		return b.Delete(key(name))
	})
}
