// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import "github.com/linxGnu/grocksdb"

// OptimizationConfig tunes the grocksdb.DB shared by the durable map and
// the consensus log.
type OptimizationConfig struct {
	WAL        WALConfig
	BlockCache BlockCacheConfig
}

// WALConfig controls write-ahead log durability and rotation.
type WALConfig struct {
	// Sync fsyncs the WAL after every write. Raft already replicates
	// every write to a quorum before acknowledging it, so the default is
	// false: a crashed node recovers its state from peers, not its own
	// unflushed WAL.
	Sync bool

	// MaxTotalSize bounds the disk space WAL files may occupy before
	// the oldest are reclaimed.
	MaxTotalSize uint64
}

// BlockCacheConfig controls the shared LRU block cache used for reads.
type BlockCacheConfig struct {
	Size                  uint64
	NumShardBits          int
	HighPriorityPoolRatio float64
}

// DefaultOptimizationConfig returns the tuning this server ships with.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		WAL: WALConfig{
			Sync:         false,
			MaxTotalSize: 512 * 1024 * 1024,
		},
		BlockCache: BlockCacheConfig{
			Size:                  512 * 1024 * 1024,
			NumShardBits:          6,
			HighPriorityPoolRatio: 0.5,
		},
	}
}

// ApplyDBOptions applies c's tuning to opts.
func (c *OptimizationConfig) ApplyDBOptions(opts *grocksdb.Options) {
	if c.WAL.MaxTotalSize > 0 {
		opts.SetMaxTotalWalSize(c.WAL.MaxTotalSize)
	}

	opts.SetMaxBackgroundJobs(4)
	opts.SetWriteBufferSize(64 * 1024 * 1024)
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)
	opts.SetCompression(grocksdb.LZ4Compression)
	opts.SetBloomLocality(1)

	if c.BlockCache.Size > 0 {
		cache := grocksdb.NewLRUCache(c.BlockCache.Size)
		cache.SetCapacity(c.BlockCache.Size)

		bbto := grocksdb.NewDefaultBlockBasedTableOptions()
		bbto.SetBlockCache(cache)
		bbto.SetBlockSize(16 * 1024)
		bbto.SetCacheIndexAndFilterBlocks(true)
		bbto.SetPinL0FilterAndIndexBlocksInCache(true)
		bbto.SetFilterPolicy(grocksdb.NewBloomFilter(10))

		opts.SetBlockBasedTableFactory(bbto)
	}
}

// ApplyWriteOptions applies c's tuning to wo.
func (c *OptimizationConfig) ApplyWriteOptions(wo *grocksdb.WriteOptions) {
	wo.SetSync(c.WAL.Sync)
}

// ApplyReadOptions applies c's tuning to ro.
func (c *OptimizationConfig) ApplyReadOptions(ro *grocksdb.ReadOptions) {
	ro.SetReadaheadSize(4 * 1024 * 1024)
	ro.SetFillCache(true)
}

// NewOptimizedDBOptions builds DBOptions with DefaultOptimizationConfig
// applied, ready to pass to grocksdb.OpenDb.
func NewOptimizedDBOptions() *grocksdb.Options {
	config := DefaultOptimizationConfig()
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)
	config.ApplyDBOptions(opts)
	return opts
}
