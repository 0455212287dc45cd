package batch

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/memlsm/coding"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
)

// 以文本形式记录回放得到的操作
type recorder struct {
	ops []string
}

func (r *recorder) Put(key, value []byte) error {
	r.ops = append(r.ops, fmt.Sprintf("Put(%s, %s)", key, value))
	return nil
}

func (r *recorder) Delete(key []byte) error {
	r.ops = append(r.ops, fmt.Sprintf("Delete(%s)", key))
	return nil
}

func (r *recorder) Merge(key, value []byte) error {
	r.ops = append(r.ops, fmt.Sprintf("Merge(%s, %s)", key, value))
	return nil
}

func contents(t *testing.T, b *WriteBatch) string {
	var r recorder
	require.NoError(t, b.Iterate(&r))
	return strings.Join(r.ops, "")
}

// 只保存一个 key 的存储
type singleKeyStore struct {
	NoMerge
	value  []byte
	exists bool
}

func (s *singleKeyStore) Put(key, value []byte) error {
	s.value, s.exists = append([]byte(nil), value...), true
	return nil
}

func (s *singleKeyStore) Delete(key []byte) error {
	s.value, s.exists = nil, false
	return nil
}

func Test_Empty(t *testing.T) {
	b := New()
	assert.Equal(t, "", contents(t, b))
	assert.Equal(t, uint32(0), b.Count())
	assert.Equal(t, HeaderSize, b.ByteSize())
	assert.Equal(t, make([]byte, HeaderSize), b.Data())
}

func Test_Multiple(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Delete([]byte("box"))
	b.Put([]byte("baz"), []byte("boo"))
	b.SetSequence(100)

	assert.Equal(t, uint64(100), b.Sequence())
	assert.Equal(t, uint32(3), b.Count())
	assert.Equal(t, "Put(foo, bar)Delete(box)Put(baz, boo)", contents(t, b))
}

// 编码结果逐字节固定
func Test_EncodingLayout(t *testing.T) {
	b := New()
	b.Put([]byte("k"), []byte("v"))
	b.Delete([]byte("d"))
	b.Merge([]byte("m"), []byte("op"))
	b.SetSequence(0x0102)

	assert.Equal(t, []byte{
		// sequence，fixed64 小端序
		0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		// count，fixed32 小端序
		0x03, 0x00, 0x00, 0x00,
		// Put: tag | key | value
		0x01, 0x01, 'k', 0x01, 'v',
		// Delete: tag | key
		0x00, 0x01, 'd',
		// Merge: tag | key | value
		0x02, 0x01, 'm', 0x02, 'o', 'p',
	}, b.Data())

	restored, err := FromData([]byte{
		0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x01, 0x03, 'f', 'o', 'o', 0x03, 'b', 'a', 'r',
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), restored.Sequence())
	assert.Equal(t, "Put(foo, bar)", contents(t, restored))
}

func Test_ReplayOrder(t *testing.T) {
	key := []byte("key")
	b := New()
	b.Put(key, []byte("v1"))
	b.Delete(key)
	b.Put(key, []byte("v2"))
	b.Put(key, []byte("v3"))

	var store singleKeyStore
	require.NoError(t, b.Iterate(&store))
	assert.True(t, store.exists)
	assert.Equal(t, []byte("v3"), store.value)

	b.Delete(key)
	require.NoError(t, b.Iterate(&store))
	assert.False(t, store.exists)
}

func Test_Clear(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Merge([]byte("foo"), []byte("baz"))
	b.SetSequence(42)

	b.Clear()
	assert.Equal(t, "", contents(t, b))
	assert.Equal(t, New().Data(), b.Data())
	assert.Equal(t, uint64(0), b.Sequence())
}

func Test_Merge(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Merge([]byte("foo"), []byte("baz"))
	b.Merge([]byte("foo"), nil)
	assert.Equal(t, "Put(foo, bar)Merge(foo, baz)Merge(foo, )", contents(t, b))

	// 未覆盖 Merge 的 handler 收到 merge 记录直接 panic
	var store singleKeyStore
	assert.PanicsWithError(t, fmt.Errorf("%w: handler does not implement merge, key %q", dberrors.ErrNotSupported, "foo").Error(), func() {
		_ = b.Iterate(&store)
	})
	// panic 之前的记录已经回放
	assert.Equal(t, []byte("bar"), store.value)
}

func Test_Append(t *testing.T) {
	b1, b2 := New(), New()
	b1.SetSequence(200)
	b2.SetSequence(300)

	b1.Append(b2)
	assert.Equal(t, "", contents(t, b1))

	b2.Put([]byte("a"), []byte("va"))
	b1.Append(b2)
	assert.Equal(t, "Put(a, va)", contents(t, b1))

	b2.Clear()
	b2.Put([]byte("b"), []byte("vb"))
	b1.Append(b2)
	assert.Equal(t, "Put(a, va)Put(b, vb)", contents(t, b1))

	b2.Delete([]byte("foo"))
	b1.Append(b2)
	assert.Equal(t, "Put(a, va)Put(b, vb)Put(b, vb)Delete(foo)", contents(t, b1))
	assert.Equal(t, uint32(4), b1.Count())
	assert.Equal(t, uint64(200), b1.Sequence())
}

func Test_FromData(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Delete([]byte(""))
	b.Merge([]byte("k"), []byte("operand"))
	b.SetSequence(7)

	data := b.Data()
	restored, err := FromData(data)
	require.NoError(t, err)
	assert.Equal(t, contents(t, b), contents(t, restored))
	assert.Equal(t, uint64(7), restored.Sequence())

	// FromData 拷贝输入
	data[HeaderSize+2] = 'x'
	assert.Equal(t, "Put(foo, bar)Delete()Merge(k, operand)", contents(t, restored))

	_, err = FromData(make([]byte, HeaderSize-1))
	assert.True(t, errors.Is(err, dberrors.ErrCorruption))
}

func Test_FuzzRoundTrip(t *testing.T) {
	type op struct {
		Kind       uint8
		Key, Value []byte
	}

	f := fuzz.NewWithSeed(27182).NilChance(0.1).NumElements(0, 32)
	for i := 0; i < 200; i++ {
		var ops []op
		f.Fuzz(&ops)

		b := New()
		var expected []string
		for _, o := range ops {
			switch o.Kind % 3 {
			case 0:
				b.Delete(o.Key)
				expected = append(expected, fmt.Sprintf("Delete(%s)", o.Key))
			case 1:
				b.Put(o.Key, o.Value)
				expected = append(expected, fmt.Sprintf("Put(%s, %s)", o.Key, o.Value))
			case 2:
				b.Merge(o.Key, o.Value)
				expected = append(expected, fmt.Sprintf("Merge(%s, %s)", o.Key, o.Value))
			}
		}
		require.Equal(t, uint32(len(ops)), b.Count())

		restored, err := FromData(b.Data())
		require.NoError(t, err)
		require.Equal(t, strings.Join(expected, ""), contents(t, restored))
	}
}

func Test_Corruption(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Delete([]byte("box"))

	// 截断最后一条记录
	truncated, err := FromData(b.Data()[:b.ByteSize()-1])
	require.NoError(t, err)
	var r recorder
	err = truncated.Iterate(&r)
	assert.True(t, errors.Is(err, dberrors.ErrCorruption))
	assert.Equal(t, []string{"Put(foo, bar)"}, r.ops)

	// 未知 tag
	unknown, err := FromData(append(append([]byte(nil), b.Data()...), 0x7f))
	require.NoError(t, err)
	assert.True(t, errors.Is(unknown.Validate(), dberrors.ErrCorruption))

	// 计数不一致
	wrongCount, err := FromData(b.Data())
	require.NoError(t, err)
	coding.EncodeFixed32(wrongCount.rep[8:], 3)
	assert.True(t, errors.Is(wrongCount.Validate(), dberrors.ErrCorruption))

	assert.NoError(t, b.Validate())
}

func Test_HandlerErrorStopsReplay(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))

	stop := errors.New("stop")
	h := &failingHandler{failAt: 1, err: stop}
	assert.Equal(t, stop, b.Iterate(h))
	assert.Equal(t, 2, h.calls)
}

type failingHandler struct {
	NoMerge
	failAt int
	err    error
	calls  int
}

func (h *failingHandler) Put(key, value []byte) error {
	h.calls++
	if h.calls-1 == h.failAt {
		return h.err
	}
	return nil
}

func (h *failingHandler) Delete(key []byte) error {
	return h.Put(key, nil)
}
