package memlsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/memlsm/arena"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/filter"
)

func Test_NewConfig_Default(t *testing.T) {
	conf, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(4*1024*1024), conf.MemTableSize)
	assert.Equal(t, arena.BlockSize, conf.ArenaBlockSize)
	// 4MB / 64B * 10 bit
	assert.Equal(t, 655360, conf.FilterBits)
	assert.Equal(t, "info", conf.Log.Level)
	assert.NotNil(t, conf.Comparator)
	assert.NotNil(t, conf.Logger)
	assert.Nil(t, conf.MergeOperator)
}

func Test_NewConfig_FilterBitsFollowMemTableSize(t *testing.T) {
	conf, err := NewConfig(WithMemTableSize(64 * 1024 * 1024))
	require.NoError(t, err)
	assert.Equal(t, 64*1024*1024/estimatedEntrySize*filterBitsPerKey, conf.FilterBits)

	// 小 memtable 使用下限
	conf, err = NewConfig(WithMemTableSize(1024))
	require.NoError(t, err)
	assert.Equal(t, minFilterBits, conf.FilterBits)

	// 显式配置优先
	conf, err = NewConfig(WithFilterBits(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, conf.FilterBits)
}

// 默认大小的 memtable 写满之后过滤器仍然有效
func Test_DefaultFilterNotSaturated(t *testing.T) {
	conf, err := NewConfig()
	require.NoError(t, err)
	n := int(conf.MemTableSize / estimatedEntrySize)

	bf, err := filter.NewBloomFilter(conf.FilterBits, conf.FilterBits/filterBitsPerKey)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%08d", i)))
	}

	var falsePositives int
	for i := 0; i < 10000; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%08d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500)
}

func Test_NewConfig_InvalidLogLevel(t *testing.T) {
	_, err := NewConfig(WithLogLevel("verbose"))
	assert.True(t, errors.Is(err, dberrors.ErrInvalidArgument))
}

func Test_LoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memlsm.yaml")
	content := `
memtable_size: 1048576
arena_block_size: 8192
filter_bits: -1
logger:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf, err := LoadConfig(path, WithArenaBlockSize(16384))
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), conf.MemTableSize)
	// 配置项覆盖文件内容
	assert.Equal(t, 16384, conf.ArenaBlockSize)
	assert.Equal(t, -1, conf.FilterBits)
	assert.Equal(t, "debug", conf.Log.Level)
	assert.True(t, conf.Log.JSON)
	assert.NotNil(t, conf.Logger)
}

func Test_LoadConfig_MissingFile(t *testing.T) {
	conf, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), WithMemTableSize(1024))
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), conf.MemTableSize)
	assert.Equal(t, arena.BlockSize, conf.ArenaBlockSize)
}

func Test_LoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memlsm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memtable_size: [1, 2"), 0o644))

	_, err := LoadConfig(path)
	assert.True(t, errors.Is(err, dberrors.ErrInvalidArgument))
}

func Test_Store_FilterDisabled(t *testing.T) {
	store := newTestStore(t, WithFilterBits(-1))
	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	v, ok, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
